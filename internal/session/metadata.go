package session

import (
	"encoding/json"
	"reflect"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"despotify/internal/engine"
)

// metadataField maps an exposed name to a field of engine.Record. Text
// fields are fixed char arrays that are NUL trimmed and decoded.
type metadataField struct {
	name  string
	field string
	text  bool
}

var metadataFields = []metadataField{
	{"title", "Title", true},
	{"artist", "Artist", true},
	{"album", "Album", true},
	{"trackId", "TrackID", true},
	{"fileId", "FileID", true},
	{"albumId", "AlbumID", true},
	{"coverId", "CoverID", true},
	{"allowed", "Allowed", true},
	{"forbidden", "Forbidden", true},
	{"bitrate", "FileBitrate", false},
	{"length", "Length", false},
	{"year", "Year", false},
	{"trackNumber", "TrackNumber", false},
	{"popularity", "Popularity", false},
	{"hasMetaData", "HasMetaData", false},
	{"playable", "Playable", false},
	{"geoRestricted", "GeoRestricted", false},
	{"key", "Key", false},
}

// Metadata is a snapshot of a track record taken when the track was created.
type Metadata struct {
	values map[string]any
}

func newMetadata(rec *engine.Record) Metadata {
	m := Metadata{values: make(map[string]any, len(metadataFields))}
	if rec == nil {
		return m
	}
	v := reflect.ValueOf(rec).Elem()
	for _, f := range metadataFields {
		fv := v.FieldByName(f.field)
		if !fv.IsValid() {
			continue
		}
		if f.text {
			raw := make([]byte, fv.Len())
			reflect.Copy(reflect.ValueOf(raw), fv)
			m.values[f.name] = decodeText(engine.Text(raw))
			continue
		}
		if b, ok := fv.Interface().([]byte); ok {
			m.values[f.name] = append([]byte(nil), b...)
			continue
		}
		m.values[f.name] = fv.Interface()
	}
	return m
}

// decodeText returns UTF-8 as is and treats anything else as Latin-1.
func decodeText(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}

// Field looks a value up by its exposed name.
func (m Metadata) Field(name string) (any, bool) {
	v, ok := m.values[name]
	return v, ok
}

// Fields lists the exposed names in table order.
func Fields() []string {
	names := make([]string, len(metadataFields))
	for i, f := range metadataFields {
		names[i] = f.name
	}
	return names
}

func (m Metadata) str(name string) string {
	s, _ := m.values[name].(string)
	return s
}

func (m Metadata) Title() string     { return m.str("title") }
func (m Metadata) Artist() string    { return m.str("artist") }
func (m Metadata) Album() string     { return m.str("album") }
func (m Metadata) TrackID() string   { return m.str("trackId") }
func (m Metadata) FileID() string    { return m.str("fileId") }
func (m Metadata) AlbumID() string   { return m.str("albumId") }
func (m Metadata) CoverID() string   { return m.str("coverId") }
func (m Metadata) Allowed() string   { return m.str("allowed") }
func (m Metadata) Forbidden() string { return m.str("forbidden") }

func (m Metadata) Bitrate() uint32 {
	v, _ := m.values["bitrate"].(uint32)
	return v
}

// Length is the track length in milliseconds.
func (m Metadata) Length() int32 {
	v, _ := m.values["length"].(int32)
	return v
}

func (m Metadata) Year() int32 {
	v, _ := m.values["year"].(int32)
	return v
}

func (m Metadata) TrackNumber() int32 {
	v, _ := m.values["trackNumber"].(int32)
	return v
}

func (m Metadata) Popularity() float32 {
	v, _ := m.values["popularity"].(float32)
	return v
}

func (m Metadata) HasMetaData() bool {
	v, _ := m.values["hasMetaData"].(bool)
	return v
}

func (m Metadata) Playable() bool {
	v, _ := m.values["playable"].(bool)
	return v
}

func (m Metadata) GeoRestricted() bool {
	v, _ := m.values["geoRestricted"].(bool)
	return v
}

func (m Metadata) Key() []byte {
	v, _ := m.values["key"].([]byte)
	return v
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.values)
}
