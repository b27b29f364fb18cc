package archive

import (
	"errors"
	"testing"
)

func TestGroupCollections(t *testing.T) {
	names := []string{
		"chrono-full.20240101T000000Z.manifest.json.gz",
		"chrono-full.20240101T000000Z.vol1.zip",
		"chrono-full.20240101T000000Z.vol2.zip",
		"chrono-inc.20240101T000000Z.to.20240102T000000Z.manifest.json.gz",
		"chrono-inc.20240101T000000Z.to.20240102T000000Z.vol1.zip",
		"README.md",        // unrelated files are ignored
		"notes/whatever",   // so are stray paths
		"chrono-full.bak",  // and near misses
	}

	cols, err := groupCollections(names)
	if err != nil {
		t.Fatalf("groupCollections error: %v", err)
	}
	if len(cols) != 2 {
		t.Fatalf("got %d collections, want 2", len(cols))
	}
	if cols[0].Kind != KindFull || len(cols[0].Volumes) != 2 {
		t.Errorf("first collection = %v with %d volumes, want full with 2", cols[0].Kind, len(cols[0].Volumes))
	}
	if cols[1].Kind != KindIncremental || len(cols[1].Volumes) != 1 {
		t.Errorf("second collection = %v with %d volumes, want incremental with 1", cols[1].Kind, len(cols[1].Volumes))
	}
	if !cols[0].Time.Before(cols[1].Time) {
		t.Error("collections not sorted by time")
	}
}

func TestGroupCollections_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		names []string
	}{
		{
			name:  "volume without manifest",
			names: []string{"chrono-full.20240101T000000Z.vol1.zip"},
		},
		{
			name: "volume numbering gap",
			names: []string{
				"chrono-full.20240101T000000Z.manifest.json.gz",
				"chrono-full.20240101T000000Z.vol1.zip",
				"chrono-full.20240101T000000Z.vol3.zip",
			},
		},
		{
			name: "mixed encryption",
			names: []string{
				"chrono-full.20240101T000000Z.manifest.json.gz",
				"chrono-full.20240101T000000Z.vol1.zip.age",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := groupCollections(tt.names); err == nil {
				t.Error("groupCollections accepted a broken listing")
			}
		})
	}

	// The manifest-less case reports the sentinel.
	_, err := groupCollections([]string{"chrono-full.20240101T000000Z.vol1.zip"})
	if !errors.Is(err, ErrNoManifest) {
		t.Errorf("error = %v, want ErrNoManifest", err)
	}
}

func TestSplitS3Location(t *testing.T) {
	tests := []struct {
		in     string
		bucket string
		prefix string
		err    bool
	}{
		{"s3://backups/host1/archive", "backups", "host1/archive/", false},
		{"s3://backups", "backups", "", false},
		{"s3://backups/", "backups", "", false},
		{"s3://", "", "", true},
	}
	for _, tt := range tests {
		bucket, prefix, err := splitS3Location(tt.in)
		if tt.err {
			if err == nil {
				t.Errorf("splitS3Location(%q) accepted invalid location", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("splitS3Location(%q) error: %v", tt.in, err)
			continue
		}
		if bucket != tt.bucket || prefix != tt.prefix {
			t.Errorf("splitS3Location(%q) = %q, %q, want %q, %q", tt.in, bucket, prefix, tt.bucket, tt.prefix)
		}
	}
}
