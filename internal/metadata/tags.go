// Package metadata reads and writes audio file tags. The silence trimmer uses
// it to carry tags across re-encodes; the playlist syncer uses it to retag
// renumbered tracks.
package metadata

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bogem/id3v2/v2"
	"github.com/go-flac/flacvorbis"
	"github.com/go-flac/go-flac"

	"github.com/tunesync/tunesync-go/internal/catalog"
)

// Config controls tag writing behavior
type Config struct {
	EmbedArtwork bool
	ArtworkSize  int
}

// TrackTags is the tag set carried across files
type TrackTags struct {
	Title       string
	Artist      string
	Album       string
	TrackNumber int
	Year        int
	Genre       string
	ArtworkData []byte
	ArtworkMIME string
}

// Manager applies and reads tags on MP3 and FLAC files
type Manager struct {
	config Config
}

// NewManager creates a tag manager
func NewManager(config Config) *Manager {
	if config.ArtworkSize <= 0 {
		config.ArtworkSize = 1200
	}
	return &Manager{config: config}
}

// supported reports whether the file format carries tags we can write
func supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3", ".flac":
		return true
	}
	return false
}

// Apply writes tags to an audio file
func (m *Manager) Apply(path string, tags *TrackTags) error {
	if tags == nil {
		return fmt.Errorf("tags cannot be nil")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return m.applyMP3(path, tags)
	case ".flac":
		return m.applyFLAC(path, tags)
	default:
		return fmt.Errorf("unsupported file format: %s", filepath.Ext(path))
	}
}

// Read reads tags from an audio file
func (m *Manager) Read(path string) (*TrackTags, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return m.readMP3(path)
	case ".flac":
		return m.readFLAC(path)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", filepath.Ext(path))
	}
}

// Copy carries tags from src to dest across a re-encode. Formats without tag
// support are silently skipped.
func (m *Manager) Copy(src, dest string) error {
	if !supported(src) || !supported(dest) {
		return nil
	}
	tags, err := m.Read(src)
	if err != nil {
		return err
	}
	return m.Apply(dest, tags)
}

// TagTrack writes catalog track metadata onto a synced file
func (m *Manager) TagTrack(path string, track *catalog.Track, trackNumber int) error {
	if !supported(path) {
		return nil
	}
	return m.Apply(path, &TrackTags{
		Title:       track.Name,
		Artist:      track.Artist,
		TrackNumber: trackNumber,
	})
}

func (m *Manager) applyMP3(path string, tags *TrackTags) error {
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return fmt.Errorf("failed to open MP3 file: %w", err)
	}
	defer tag.Close()

	tag.SetVersion(4)
	if tags.Title != "" {
		tag.SetTitle(tags.Title)
	}
	if tags.Artist != "" {
		tag.SetArtist(tags.Artist)
	}
	if tags.Album != "" {
		tag.SetAlbum(tags.Album)
	}
	if tags.Genre != "" {
		tag.SetGenre(tags.Genre)
	}
	if tags.Year > 0 {
		tag.SetYear(strconv.Itoa(tags.Year))
	}
	if tags.TrackNumber > 0 {
		trackID := tag.CommonID("Track number/Position in set")
		tag.DeleteFrames(trackID)
		tag.AddTextFrame(trackID, id3v2.EncodingUTF8, strconv.Itoa(tags.TrackNumber))
	}

	if m.config.EmbedArtwork && len(tags.ArtworkData) > 0 {
		tag.AddAttachedPicture(id3v2.PictureFrame{
			Encoding:    id3v2.EncodingUTF8,
			MimeType:    tags.ArtworkMIME,
			PictureType: id3v2.PTFrontCover,
			Description: "Front Cover",
			Picture:     tags.ArtworkData,
		})
	}

	if err := tag.Save(); err != nil {
		return fmt.Errorf("failed to save MP3 tags: %w", err)
	}
	return nil
}

func (m *Manager) readMP3(path string) (*TrackTags, error) {
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open MP3 file: %w", err)
	}
	defer tag.Close()

	tags := &TrackTags{
		Title:  tag.Title(),
		Artist: tag.Artist(),
		Album:  tag.Album(),
		Genre:  tag.Genre(),
	}
	if yearStr := tag.Year(); yearStr != "" {
		if year, err := strconv.Atoi(yearStr); err == nil {
			tags.Year = year
		}
	}
	if frames := tag.GetFrames(tag.CommonID("Track number/Position in set")); len(frames) > 0 {
		if tf, ok := frames[0].(id3v2.TextFrame); ok {
			if n, err := strconv.Atoi(strings.Split(tf.Text, "/")[0]); err == nil {
				tags.TrackNumber = n
			}
		}
	}
	if pictures := tag.GetFrames(tag.CommonID("Attached picture")); len(pictures) > 0 {
		if pf, ok := pictures[0].(id3v2.PictureFrame); ok {
			tags.ArtworkData = pf.Picture
			tags.ArtworkMIME = pf.MimeType
		}
	}
	return tags, nil
}

func (m *Manager) applyFLAC(path string, tags *TrackTags) error {
	f, err := flac.ParseFile(path)
	if err != nil {
		return fmt.Errorf("failed to parse FLAC file: %w", err)
	}

	var cmtBlock *flac.MetaDataBlock
	for _, block := range f.Meta {
		if block.Type == flac.VorbisComment {
			cmtBlock = block
			break
		}
	}
	if cmtBlock == nil {
		cmtBlock = &flac.MetaDataBlock{Type: flac.VorbisComment}
		f.Meta = append(f.Meta, cmtBlock)
	}

	cmt, err := flacvorbis.ParseFromMetaDataBlock(*cmtBlock)
	if err != nil {
		cmt = flacvorbis.New()
	}

	if tags.Title != "" {
		cmt.Add("TITLE", tags.Title)
	}
	if tags.Artist != "" {
		cmt.Add("ARTIST", tags.Artist)
	}
	if tags.Album != "" {
		cmt.Add("ALBUM", tags.Album)
	}
	if tags.Genre != "" {
		cmt.Add("GENRE", tags.Genre)
	}
	if tags.Year > 0 {
		cmt.Add("DATE", strconv.Itoa(tags.Year))
	}
	if tags.TrackNumber > 0 {
		cmt.Add("TRACKNUMBER", strconv.Itoa(tags.TrackNumber))
	}

	res := cmt.Marshal()
	cmtBlock.Data = res.Data

	if m.config.EmbedArtwork && len(tags.ArtworkData) > 0 && !hasPictureBlock(f) {
		f.Meta = append(f.Meta, &flac.MetaDataBlock{
			Type: flac.Picture,
			Data: buildFLACPictureBlock(tags.ArtworkData, tags.ArtworkMIME),
		})
	}

	if err := f.Save(path); err != nil {
		return fmt.Errorf("failed to save FLAC file: %w", err)
	}
	return nil
}

func (m *Manager) readFLAC(path string) (*TrackTags, error) {
	f, err := flac.ParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse FLAC file: %w", err)
	}

	tags := &TrackTags{}
	for _, block := range f.Meta {
		if block.Type != flac.VorbisComment {
			continue
		}
		cmt, err := flacvorbis.ParseFromMetaDataBlock(*block)
		if err != nil {
			continue
		}
		tags.Title = firstComment(cmt, "TITLE")
		tags.Artist = firstComment(cmt, "ARTIST")
		tags.Album = firstComment(cmt, "ALBUM")
		tags.Genre = firstComment(cmt, "GENRE")
		if date := firstComment(cmt, "DATE"); date != "" {
			if year, err := strconv.Atoi(date); err == nil {
				tags.Year = year
			}
		}
		if num := firstComment(cmt, "TRACKNUMBER"); num != "" {
			if n, err := strconv.Atoi(num); err == nil {
				tags.TrackNumber = n
			}
		}
		break
	}
	return tags, nil
}

func firstComment(cmt *flacvorbis.MetaDataBlockVorbisComment, key string) string {
	if values, err := cmt.Get(key); err == nil && len(values) > 0 {
		return values[0]
	}
	return ""
}

func hasPictureBlock(f *flac.File) bool {
	for _, block := range f.Meta {
		if block.Type == flac.Picture {
			return true
		}
	}
	return false
}

// buildFLACPictureBlock encodes a front-cover METADATA_BLOCK_PICTURE
func buildFLACPictureBlock(imageData []byte, mimeType string) []byte {
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	description := "Front Cover"

	size := 4 + 4 + len(mimeType) + 4 + len(description) + 4*4 + 4 + len(imageData)
	data := make([]byte, size)
	pos := 0

	writeUint32BE(data[pos:], 3) // front cover
	pos += 4
	writeUint32BE(data[pos:], uint32(len(mimeType)))
	pos += 4
	copy(data[pos:], mimeType)
	pos += len(mimeType)
	writeUint32BE(data[pos:], uint32(len(description)))
	pos += 4
	copy(data[pos:], description)
	pos += len(description)
	// Width, height, depth, color count left to the decoder
	pos += 16
	writeUint32BE(data[pos:], uint32(len(imageData)))
	pos += 4
	copy(data[pos:], imageData)

	return data
}

func writeUint32BE(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
