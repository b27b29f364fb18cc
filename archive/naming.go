package archive

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the timestamp format used in archive filenames. A trailing
// literal Z marks the times as UTC.
const TimeLayout = "20060102T150405Z"

const (
	prefixFull = "chrono-full."
	prefixInc  = "chrono-inc."

	suffixAge      = ".age"
	suffixManifest = ".manifest.json.gz"
	suffixVolume   = ".zip"
)

// Kind distinguishes full from incremental collections.
type Kind int

const (
	KindFull Kind = iota
	KindIncremental
)

func (k Kind) String() string {
	switch k {
	case KindFull:
		return "full"
	case KindIncremental:
		return "incremental"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// NameInfo is the result of parsing a single archive filename.
type NameInfo struct {
	Kind      Kind
	Base      time.Time // snapshot this one is relative to; zero for full
	Time      time.Time
	Manifest  bool
	Volume    int // 1-based, set when Manifest is false
	Encrypted bool
}

// ParseName parses an archive filename into its components. Filenames look
// like
//
//	chrono-full.20240101T000000Z.manifest.json.gz
//	chrono-full.20240101T000000Z.vol1.zip
//	chrono-inc.20240101T000000Z.to.20240102T000000Z.vol2.zip.age
//
// ErrBadName is returned for anything else, so callers can skip unrelated
// files when scanning a directory or bucket prefix.
func ParseName(name string) (NameInfo, error) {
	var info NameInfo
	rest := name
	switch {
	case strings.HasPrefix(rest, prefixFull):
		info.Kind = KindFull
		rest = strings.TrimPrefix(rest, prefixFull)
	case strings.HasPrefix(rest, prefixInc):
		info.Kind = KindIncremental
		rest = strings.TrimPrefix(rest, prefixInc)
	default:
		return NameInfo{}, fmt.Errorf("%w: %q", ErrBadName, name)
	}

	if strings.HasSuffix(rest, suffixAge) {
		info.Encrypted = true
		rest = strings.TrimSuffix(rest, suffixAge)
	}

	switch {
	case strings.HasSuffix(rest, suffixManifest):
		info.Manifest = true
		rest = strings.TrimSuffix(rest, suffixManifest)
	case strings.HasSuffix(rest, suffixVolume):
		rest = strings.TrimSuffix(rest, suffixVolume)
		dot := strings.LastIndex(rest, ".")
		if dot < 0 || !strings.HasPrefix(rest[dot+1:], "vol") {
			return NameInfo{}, fmt.Errorf("%w: %q", ErrBadName, name)
		}
		n, err := strconv.Atoi(strings.TrimPrefix(rest[dot+1:], "vol"))
		if err != nil || n < 1 {
			return NameInfo{}, fmt.Errorf("%w: bad volume number in %q", ErrBadName, name)
		}
		info.Volume = n
		rest = rest[:dot]
	default:
		return NameInfo{}, fmt.Errorf("%w: %q", ErrBadName, name)
	}

	if info.Kind == KindIncremental {
		from, to, ok := strings.Cut(rest, ".to.")
		if !ok {
			return NameInfo{}, fmt.Errorf("%w: incremental name %q missing .to. pair", ErrBadName, name)
		}
		base, err := time.Parse(TimeLayout, from)
		if err != nil {
			return NameInfo{}, fmt.Errorf("%w: %q: %v", ErrBadTimestamp, name, err)
		}
		info.Base = base
		rest = to
	}

	t, err := time.Parse(TimeLayout, rest)
	if err != nil {
		return NameInfo{}, fmt.Errorf("%w: %q: %v", ErrBadTimestamp, name, err)
	}
	info.Time = t
	return info, nil
}

// ManifestName returns the filename for a collection's manifest.
func ManifestName(kind Kind, base, t time.Time, encrypted bool) string {
	name := stem(kind, base, t) + suffixManifest
	if encrypted {
		name += suffixAge
	}
	return name
}

// VolumeName returns the filename for volume n (1-based) of a collection.
func VolumeName(kind Kind, base, t time.Time, n int, encrypted bool) string {
	name := fmt.Sprintf("%s.vol%d%s", stem(kind, base, t), n, suffixVolume)
	if encrypted {
		name += suffixAge
	}
	return name
}

func stem(kind Kind, base, t time.Time) string {
	if kind == KindFull {
		return prefixFull + t.UTC().Format(TimeLayout)
	}
	return prefixInc + base.UTC().Format(TimeLayout) + ".to." + t.UTC().Format(TimeLayout)
}
