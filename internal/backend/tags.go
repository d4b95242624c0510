package backend

import (
	"sort"
	"time"
)

// Tag names attached to every upload.
const (
	TagContentType = "Content-Type"
	TagBucket      = "Bucket"
	TagKey         = "Key"
	TagUploadedAt  = "Uploaded-At"
	TagETag        = "ETag"

	// MetaTagPrefix prefixes one tag per user metadata entry.
	MetaTagPrefix = "Meta-"
)

// Tag is a name/value pair stored alongside a payload.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// TagInput carries the values the upload tag set is built from.
type TagInput struct {
	ContentType string
	Bucket      string
	Key         string
	UploadedAt  time.Time
	ETag        string
	Metadata    map[string]string
}

// BuildTags returns the fixed tags followed by one Meta- tag per metadata
// entry, sorted by name so the set is deterministic.
func BuildTags(in TagInput) []Tag {
	tags := []Tag{
		{Name: TagContentType, Value: in.ContentType},
		{Name: TagBucket, Value: in.Bucket},
		{Name: TagKey, Value: in.Key},
		{Name: TagUploadedAt, Value: in.UploadedAt.UTC().Format(time.RFC3339Nano)},
		{Name: TagETag, Value: in.ETag},
	}

	names := make([]string, 0, len(in.Metadata))
	for name := range in.Metadata {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		tags = append(tags, Tag{Name: MetaTagPrefix + name, Value: in.Metadata[name]})
	}
	return tags
}

// TagValue returns the value of the first tag called name.
func TagValue(tags []Tag, name string) (string, bool) {
	for _, t := range tags {
		if t.Name == name {
			return t.Value, true
		}
	}
	return "", false
}
