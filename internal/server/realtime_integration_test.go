package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/questsync/internal/auth"
	"github.com/MarcoPoloResearchLab/questsync/internal/discovery"
	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
	"github.com/MarcoPoloResearchLab/questsync/internal/remote"
	"github.com/MarcoPoloResearchLab/questsync/internal/store"
	"github.com/MarcoPoloResearchLab/questsync/internal/storetest"
)

type testServer struct {
	url    string
	issuer *auth.TokenIssuer
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	service, db := storetest.NewRemote(t)
	storetest.SeedProject(storetest.RemoteWriter(t, db))
	engine, err := discovery.New(discovery.Config{Remote: service})
	if err != nil {
		t.Fatalf("failed to build discovery engine: %v", err)
	}
	service.SetWalker(engine.ClosureWalker(discovery.ScopeRemote))

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager:      issuer,
		Remote:            service,
		HeartbeatInterval: time.Hour,
		Logger:            zap.NewExample(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return testServer{url: server.URL, issuer: issuer}
}

func (s testServer) client(t *testing.T, profileID string) *remote.Client {
	t.Helper()
	token, _, err := s.issuer.IssueProfileToken(profileID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	client, err := remote.NewClient(remote.ClientConfig{BaseURL: s.url, Token: token, RateLimit: -1})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	return client
}

type eventStream struct {
	reader *bufio.Reader
}

func (s testServer) openStream(t *testing.T, profileID string) eventStream {
	t.Helper()
	token, _, err := s.issuer.IssueProfileToken(profileID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	response, err := http.Get(s.url + "/v1/events?access_token=" + token)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() { _ = response.Body.Close() })
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", response.StatusCode)
	}
	return eventStream{reader: bufio.NewReader(response.Body)}
}

// next returns the data of the next event named eventType, skipping others.
func (s eventStream) next(t *testing.T, eventType string) realtimeEventPayload {
	t.Helper()
	type readResult struct {
		line string
		err  error
	}
	current := ""
	deadline := time.After(5 * time.Second)
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := s.reader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		case res := <-resultCh:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			switch {
			case strings.HasPrefix(line, "event:"):
				current = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:") && current == eventType:
				var payload realtimeEventPayload
				if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload); err != nil {
					t.Fatalf("failed to decode event payload: %v", err)
				}
				return payload
			}
		}
	}
}

func TestClientReadsRowsThroughRouter(t *testing.T) {
	server := newTestServer(t)
	client := server.client(t, "profile-1")
	ctx := context.Background()

	links, err := client.Lookup(ctx, graph.ExistenceLookup(graph.Quest, []string{storetest.QuestID, "quest-missing"}))
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if len(links) != 1 || links[0].Key != storetest.QuestID {
		t.Fatalf("unexpected links %#v", links)
	}

	rows, err := client.Fetch(ctx, graph.Quest, []string{storetest.QuestID})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(rows) != 1 || rows[0].String("name") != "Genesis 1" {
		t.Fatalf("unexpected rows %#v", rows)
	}

	_, err = client.Fetch(ctx, graph.Attachment, []string{storetest.AttachmentOneID})
	var statusErr *remote.StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusBadRequest {
		t.Fatalf("expected bad request status error, got %v", err)
	}
}

func TestRouterRejectsMissingToken(t *testing.T) {
	server := newTestServer(t)
	client, err := remote.NewClient(remote.ClientConfig{BaseURL: server.url, RateLimit: -1})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	_, err = client.Fetch(context.Background(), graph.Quest, []string{storetest.QuestID})
	var statusErr *remote.StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized status error, got %v", err)
	}
}

func TestRealtimeStreamEmitsClosureAndMutationEvents(t *testing.T) {
	server := newTestServer(t)
	stream := server.openStream(t, "profile-1")
	client := server.client(t, "profile-1")
	ctx := context.Background()

	root := graph.Ref{Category: graph.Quest, ID: storetest.QuestID}
	outcome, err := client.DownloadClosure(ctx, root, "profile-1")
	if err != nil {
		t.Fatalf("closure download failed: %v", err)
	}
	if flags := outcome.Categories[graph.Quest]; flags.Total != 2 || flags.Flagged != 2 {
		t.Fatalf("unexpected quest flags %#v", flags)
	}

	flagged := stream.next(t, RealtimeEventClosureFlagged)
	if flagged.Root == nil || *flagged.Root != root {
		t.Fatalf("unexpected closure root %#v", flagged.Root)
	}

	mutation := remote.Mutation{
		Table: graph.Tag.Table(),
		Op:    store.OpPut,
		RowID: "tag-new",
		Row:   json.RawMessage(`{"id":"tag-new","key":"book","value":"exo"}`),
	}
	if err := client.Apply(ctx, mutation); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	changed := stream.next(t, RealtimeEventRowsChanged)
	if changed.Table != graph.Tag.Table() || len(changed.RowIDs) != 1 || changed.RowIDs[0] != "tag-new" {
		t.Fatalf("unexpected change payload %#v", changed)
	}

	again, err := client.DownloadClosure(ctx, root, "profile-1")
	if err != nil {
		t.Fatalf("second closure download failed: %v", err)
	}
	if flags := again.Categories[graph.Quest]; flags.Flagged != 0 {
		t.Fatalf("expected repeated download to flag nothing new, got %#v", flags)
	}
}
