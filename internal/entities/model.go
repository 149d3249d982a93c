// Package entities holds the relational row models shared by the local and remote stores.
package entities

import (
	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
	"github.com/MarcoPoloResearchLab/questsync/internal/profiles"
)

// Row is a table-agnostic row keyed by column name.
type Row map[string]any

// ID returns the row identifier or an empty string.
func (r Row) ID() string {
	return r.String("id")
}

// String returns a text column or an empty string.
func (r Row) String(column string) string {
	switch value := r[column].(type) {
	case string:
		return value
	case []byte:
		return string(value)
	default:
		return ""
	}
}

// Project is the top-level container.
type Project struct {
	ID               string       `gorm:"column:id;primaryKey;size:190"`
	Name             string       `gorm:"column:name;not null;default:''"`
	SourceLanguageID *string      `gorm:"column:source_language_id;size:190"`
	TargetLanguageID *string      `gorm:"column:target_language_id;size:190"`
	Active           bool         `gorm:"column:active;not null;default:true"`
	Visible          bool         `gorm:"column:visible;not null;default:true"`
	CreatorID        *string      `gorm:"column:creator_id;size:190"`
	DownloadProfiles profiles.Set `gorm:"column:download_profiles;type:text;not null;default:'[]'"`
	CreatedAt        int64        `gorm:"column:created_at;not null;default:0"`
	LastUpdated      int64        `gorm:"column:last_updated;not null;default:0"`
}

// Quest belongs to a project and nests under another quest through ParentID.
type Quest struct {
	ID               string       `gorm:"column:id;primaryKey;size:190"`
	ProjectID        string       `gorm:"column:project_id;not null;size:190"`
	ParentID         *string      `gorm:"column:parent_id;size:190"`
	Name             string       `gorm:"column:name;not null;default:''"`
	Description      string       `gorm:"column:description;not null;default:''"`
	Active           bool         `gorm:"column:active;not null;default:true"`
	Visible          bool         `gorm:"column:visible;not null;default:true"`
	CreatorID        *string      `gorm:"column:creator_id;size:190"`
	DownloadProfiles profiles.Set `gorm:"column:download_profiles;type:text;not null;default:'[]'"`
	CreatedAt        int64        `gorm:"column:created_at;not null;default:0"`
	LastUpdated      int64        `gorm:"column:last_updated;not null;default:0"`
}

type Asset struct {
	ID               string       `gorm:"column:id;primaryKey;size:190"`
	Name             string       `gorm:"column:name;not null;default:''"`
	SourceLanguageID *string      `gorm:"column:source_language_id;size:190"`
	Active           bool         `gorm:"column:active;not null;default:true"`
	Visible          bool         `gorm:"column:visible;not null;default:true"`
	CreatorID        *string      `gorm:"column:creator_id;size:190"`
	DownloadProfiles profiles.Set `gorm:"column:download_profiles;type:text;not null;default:'[]'"`
	CreatedAt        int64        `gorm:"column:created_at;not null;default:0"`
	LastUpdated      int64        `gorm:"column:last_updated;not null;default:0"`
}

type QuestAssetLink struct {
	ID          string `gorm:"column:id;primaryKey;size:190"`
	QuestID     string `gorm:"column:quest_id;not null;size:190"`
	AssetID     string `gorm:"column:asset_id;not null;size:190"`
	Active      bool   `gorm:"column:active;not null;default:true"`
	CreatedAt   int64  `gorm:"column:created_at;not null;default:0"`
	LastUpdated int64  `gorm:"column:last_updated;not null;default:0"`
}

// AssetContentLink is one content segment of an asset; Audio lists attachment identifiers as JSON.
type AssetContentLink struct {
	ID          string `gorm:"column:id;primaryKey;size:190"`
	AssetID     string `gorm:"column:asset_id;not null;size:190"`
	Text        string `gorm:"column:text;not null;default:''"`
	Audio       string `gorm:"column:audio;type:text;not null;default:'[]'"`
	Active      bool   `gorm:"column:active;not null;default:true"`
	CreatedAt   int64  `gorm:"column:created_at;not null;default:0"`
	LastUpdated int64  `gorm:"column:last_updated;not null;default:0"`
}

type Translation struct {
	ID          string  `gorm:"column:id;primaryKey;size:190"`
	AssetID     string  `gorm:"column:asset_id;not null;size:190"`
	CreatorID   *string `gorm:"column:creator_id;size:190"`
	Text        string  `gorm:"column:text;not null;default:''"`
	Active      bool    `gorm:"column:active;not null;default:true"`
	CreatedAt   int64   `gorm:"column:created_at;not null;default:0"`
	LastUpdated int64   `gorm:"column:last_updated;not null;default:0"`
}

// Vote is deactivated rather than deleted when a user withdraws it.
type Vote struct {
	ID            string  `gorm:"column:id;primaryKey;size:190"`
	TranslationID string  `gorm:"column:translation_id;not null;size:190"`
	CreatorID     *string `gorm:"column:creator_id;size:190"`
	Polarity      string  `gorm:"column:polarity;not null;default:'up'"`
	Active        bool    `gorm:"column:active;not null;default:true"`
	CreatedAt     int64   `gorm:"column:created_at;not null;default:0"`
	LastUpdated   int64   `gorm:"column:last_updated;not null;default:0"`
}

type QuestTagLink struct {
	ID          string `gorm:"column:id;primaryKey;size:190"`
	QuestID     string `gorm:"column:quest_id;not null;size:190"`
	TagID       string `gorm:"column:tag_id;not null;size:190"`
	Active      bool   `gorm:"column:active;not null;default:true"`
	CreatedAt   int64  `gorm:"column:created_at;not null;default:0"`
	LastUpdated int64  `gorm:"column:last_updated;not null;default:0"`
}

type AssetTagLink struct {
	ID          string `gorm:"column:id;primaryKey;size:190"`
	AssetID     string `gorm:"column:asset_id;not null;size:190"`
	TagID       string `gorm:"column:tag_id;not null;size:190"`
	Active      bool   `gorm:"column:active;not null;default:true"`
	CreatedAt   int64  `gorm:"column:created_at;not null;default:0"`
	LastUpdated int64  `gorm:"column:last_updated;not null;default:0"`
}

// Tag is a key:value pair such as book:gen.
type Tag struct {
	ID          string `gorm:"column:id;primaryKey;size:190"`
	Key         string `gorm:"column:key;not null;size:190"`
	Value       string `gorm:"column:value;not null;size:190"`
	Active      bool   `gorm:"column:active;not null;default:true"`
	CreatedAt   int64  `gorm:"column:created_at;not null;default:0"`
	LastUpdated int64  `gorm:"column:last_updated;not null;default:0"`
}

type Language struct {
	ID          string `gorm:"column:id;primaryKey;size:190"`
	NativeName  string `gorm:"column:native_name;not null;default:''"`
	EnglishName string `gorm:"column:english_name;not null;default:''"`
	ISO6393     string `gorm:"column:iso639_3;not null;default:''"`
	Active      bool   `gorm:"column:active;not null;default:true"`
	CreatedAt   int64  `gorm:"column:created_at;not null;default:0"`
	LastUpdated int64  `gorm:"column:last_updated;not null;default:0"`
}

// Model returns a zero model for the relational category, or nil for attachments.
func Model(category graph.Category) any {
	switch category {
	case graph.Project:
		return &Project{}
	case graph.Quest:
		return &Quest{}
	case graph.QuestAssetLink:
		return &QuestAssetLink{}
	case graph.Asset:
		return &Asset{}
	case graph.AssetContentLink:
		return &AssetContentLink{}
	case graph.Translation:
		return &Translation{}
	case graph.Vote:
		return &Vote{}
	case graph.QuestTagLink:
		return &QuestTagLink{}
	case graph.AssetTagLink:
		return &AssetTagLink{}
	case graph.Tag:
		return &Tag{}
	case graph.Language:
		return &Language{}
	default:
		return nil
	}
}

// Sanitize keeps only known columns of category and normalizes download_profiles.
func Sanitize(category graph.Category, row Row) (Row, error) {
	clean := make(Row, len(row))
	for column, value := range row {
		if !category.HasColumn(column) {
			continue
		}
		clean[column] = value
	}
	if category.Flagged() {
		set, err := profiles.Decode(clean[profiles.Column])
		if err != nil {
			return nil, err
		}
		clean[profiles.Column] = set.Encode()
	}
	return clean, nil
}
