package transcode

import (
	"fmt"
	"strings"
)

// Output file names. The encoder is told to write variant playlists and
// segments with the same patterns, substituting the variant index for %v.
const (
	MasterPlaylistName    = "master.m3u8"
	variantPlaylistFormat = "stream_%d.m3u8"
	variantPlaylistArg    = "stream_%v.m3u8"
	segmentFilenameArg    = "seg_%v_%03d.ts"
)

// VariantPlaylistName returns the sub-playlist file name for variant i.
func VariantPlaylistName(i int) string {
	return fmt.Sprintf(variantPlaylistFormat, i)
}

// BuildMasterPlaylist renders the ABR master playlist for profiles in catalog
// order. The output depends only on its input. An empty profile list yields a
// header-only playlist; callers should treat that as a configuration error.
func BuildMasterPlaylist(profiles []RenditionProfile) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	for i, p := range profiles {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%s\n", p.BitrateKbps*1000, p.Resolution())
		b.WriteString(VariantPlaylistName(i))
		b.WriteString("\n")
	}

	return b.String()
}
