// Package storetest builds in-memory local and remote stores seeded with a small project.
package storetest

import (
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/questsync/internal/attachments"
	"github.com/MarcoPoloResearchLab/questsync/internal/entities"
	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
	"github.com/MarcoPoloResearchLab/questsync/internal/profiles"
	"github.com/MarcoPoloResearchLab/questsync/internal/remote"
	"github.com/MarcoPoloResearchLab/questsync/internal/store"
)

// Identifiers of the seeded project.
const (
	ProjectID       = "project-1"
	QuestID         = "quest-1"
	ChildQuestID    = "quest-1-1"
	OtherQuestID    = "quest-2"
	AssetOneID      = "asset-1"
	AssetTwoID      = "asset-2"
	SharedAssetID   = "asset-shared"
	ContentOneID    = "content-1"
	ContentTwoID    = "content-2"
	ContentThreeID  = "content-3"
	TranslationID   = "translation-1"
	VoteID          = "vote-1"
	TagID           = "tag-book-gen"
	QuestTagLinkID  = "qtl-1"
	AssetTagLinkID  = "atl-1"
	SourceLangID    = "lang-eng"
	TargetLangID    = "lang-spa"
	AttachmentOneID = "att-1"
	AttachmentTwoID = "att-2"
	QuestAssetOneID = "qal-1"
	QuestAssetTwoID = "qal-2"
	ChildAssetID    = "qal-3"
	OtherSharedID   = "qal-4"
	OtherAssetLink  = "qal-5"
)

// OpenDB opens a private in-memory database.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

// NewLocal returns a migrated local store and an attachment queue sharing its database.
func NewLocal(t *testing.T) (*store.Store, *attachments.Queue) {
	t.Helper()
	db := OpenDB(t)
	if err := store.Migrate(db); err != nil {
		t.Fatalf("failed to migrate local store: %v", err)
	}
	if err := attachments.Migrate(db); err != nil {
		t.Fatalf("failed to migrate attachments: %v", err)
	}
	local, err := store.New(store.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to build local store: %v", err)
	}
	queue, err := attachments.NewQueue(attachments.QueueConfig{Database: db, Directory: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to build attachment queue: %v", err)
	}
	return local, queue
}

// NewRemote returns a migrated remote service without a closure walker.
func NewRemote(t *testing.T) (*remote.Service, *gorm.DB) {
	t.Helper()
	return NewRemoteWithWalker(t, nil)
}

// NewRemoteWithWalker returns a migrated remote service. The walker may be set later
// through the returned pointer target when it needs the service itself.
func NewRemoteWithWalker(t *testing.T, walker remote.ClosureWalker) (*remote.Service, *gorm.DB) {
	t.Helper()
	db := OpenDB(t)
	if err := remote.Migrate(db); err != nil {
		t.Fatalf("failed to migrate remote: %v", err)
	}
	service, err := remote.NewService(remote.ServiceConfig{Database: db, Walker: walker})
	if err != nil {
		t.Fatalf("failed to build remote service: %v", err)
	}
	return service, db
}

// Writer inserts one model row of category.
type Writer func(category graph.Category, model any)

// RemoteWriter writes into the unpartitioned remote tables.
func RemoteWriter(t *testing.T, db *gorm.DB) Writer {
	return func(category graph.Category, model any) {
		t.Helper()
		if err := db.Table(category.Table()).Create(model).Error; err != nil {
			t.Fatalf("failed to seed remote %s: %v", category, err)
		}
	}
}

// LocalWriter writes into one partition of the local store.
func LocalWriter(t *testing.T, local *store.Store, partition store.Partition) Writer {
	return func(category graph.Category, model any) {
		t.Helper()
		if err := local.DB().Table(store.TableName(category, partition)).Create(model).Error; err != nil {
			t.Fatalf("failed to seed local %s: %v", category, err)
		}
	}
}

// SeedProject writes the standard project:
//
//	project-1 (eng -> spa)
//	  quest-1 [tag book:gen]
//	    asset-1: content-1 (att-1), content-2 (no audio), translation-1 with vote-1, tag book:gen
//	    asset-2: content-3 (att-2)
//	    asset-shared
//	    quest-1-1
//	      asset-2
//	  quest-2
//	    asset-shared
func SeedProject(write Writer, profileIDs ...string) {
	flags := profiles.NewSet(profileIDs...)
	write(graph.Language, &entities.Language{ID: SourceLangID, EnglishName: "English", ISO6393: "eng", Active: true})
	write(graph.Language, &entities.Language{ID: TargetLangID, EnglishName: "Spanish", ISO6393: "spa", Active: true})
	write(graph.Project, &entities.Project{ID: ProjectID, Name: "Genesis", SourceLanguageID: graph.StringPtr(SourceLangID), TargetLanguageID: graph.StringPtr(TargetLangID), Active: true, Visible: true, DownloadProfiles: flags})
	write(graph.Quest, &entities.Quest{ID: QuestID, ProjectID: ProjectID, Name: "Genesis 1", Active: true, Visible: true, DownloadProfiles: flags})
	write(graph.Quest, &entities.Quest{ID: ChildQuestID, ProjectID: ProjectID, ParentID: graph.StringPtr(QuestID), Name: "Genesis 1:1", Active: true, Visible: true, DownloadProfiles: flags})
	write(graph.Quest, &entities.Quest{ID: OtherQuestID, ProjectID: ProjectID, Name: "Genesis 2", Active: true, Visible: true, DownloadProfiles: flags})
	write(graph.Asset, &entities.Asset{ID: AssetOneID, Name: "In the beginning", SourceLanguageID: graph.StringPtr(SourceLangID), Active: true, Visible: true, DownloadProfiles: flags})
	write(graph.Asset, &entities.Asset{ID: AssetTwoID, Name: "And the earth", SourceLanguageID: graph.StringPtr(SourceLangID), Active: true, Visible: true, DownloadProfiles: flags})
	write(graph.Asset, &entities.Asset{ID: SharedAssetID, Name: "Shared", Active: true, Visible: true, DownloadProfiles: flags})
	write(graph.QuestAssetLink, &entities.QuestAssetLink{ID: QuestAssetOneID, QuestID: QuestID, AssetID: AssetOneID, Active: true})
	write(graph.QuestAssetLink, &entities.QuestAssetLink{ID: QuestAssetTwoID, QuestID: QuestID, AssetID: AssetTwoID, Active: true})
	write(graph.QuestAssetLink, &entities.QuestAssetLink{ID: OtherAssetLink, QuestID: QuestID, AssetID: SharedAssetID, Active: true})
	write(graph.QuestAssetLink, &entities.QuestAssetLink{ID: ChildAssetID, QuestID: ChildQuestID, AssetID: AssetTwoID, Active: true})
	write(graph.QuestAssetLink, &entities.QuestAssetLink{ID: OtherSharedID, QuestID: OtherQuestID, AssetID: SharedAssetID, Active: true})
	write(graph.AssetContentLink, &entities.AssetContentLink{ID: ContentOneID, AssetID: AssetOneID, Text: "In the beginning", Audio: `["` + AttachmentOneID + `"]`, Active: true})
	write(graph.AssetContentLink, &entities.AssetContentLink{ID: ContentTwoID, AssetID: AssetOneID, Text: "God created", Audio: `[]`, Active: true})
	write(graph.AssetContentLink, &entities.AssetContentLink{ID: ContentThreeID, AssetID: AssetTwoID, Text: "And the earth", Audio: `["` + AttachmentTwoID + `"]`, Active: true})
	write(graph.Translation, &entities.Translation{ID: TranslationID, AssetID: AssetOneID, Text: "En el principio", Active: true})
	write(graph.Vote, &entities.Vote{ID: VoteID, TranslationID: TranslationID, Polarity: "up", Active: true})
	write(graph.Tag, &entities.Tag{ID: TagID, Key: "book", Value: "gen", Active: true})
	write(graph.QuestTagLink, &entities.QuestTagLink{ID: QuestTagLinkID, QuestID: QuestID, TagID: TagID, Active: true})
	write(graph.AssetTagLink, &entities.AssetTagLink{ID: AssetTagLinkID, AssetID: AssetOneID, TagID: TagID, Active: true})
}

// QuestClosure is the closure of quest-1 in the standard project.
func QuestClosure() map[graph.Category][]string {
	return map[graph.Category][]string{
		graph.Project:          {ProjectID},
		graph.Quest:            {QuestID, ChildQuestID},
		graph.QuestAssetLink:   {QuestAssetOneID, QuestAssetTwoID, ChildAssetID, OtherAssetLink},
		graph.Asset:            {AssetOneID, AssetTwoID, SharedAssetID},
		graph.AssetContentLink: {ContentOneID, ContentTwoID, ContentThreeID},
		graph.Translation:      {TranslationID},
		graph.Vote:             {VoteID},
		graph.QuestTagLink:     {QuestTagLinkID},
		graph.AssetTagLink:     {AssetTagLinkID},
		graph.Tag:              {TagID},
		graph.Language:         {SourceLangID, TargetLangID},
		graph.Attachment:       {AttachmentOneID, AttachmentTwoID},
	}
}
