// Package post holds the persisted post record and the pure rule that decides
// when a post should fire.
package post

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DefaultLayout is the on-disk wall-clock format (dd.mm.yyyy HH:MM).
const DefaultLayout = "02.01.2006 15:04"

// lenientLayout reads DefaultLayout values with or without zero padding,
// e.g. "1.6.2026 9:05".
const lenientLayout = "2.1.2006 15:4"

// Post is one persisted scheduled post.
type Post struct {
	ID             int       `json:"id"`
	ChannelID      ChannelID `json:"channel_id"`
	Text           string    `json:"text"`
	Image          string    `json:"image,omitempty"`
	FileID         string    `json:"file_id,omitempty"`
	Datetime       string    `json:"datetime"`
	Repeat         bool      `json:"repeat"`
	LastPostedYear *int      `json:"last_posted_year"`
	Posted         bool      `json:"posted"`
	Attempts       int       `json:"attempts"`
	LastError      *string   `json:"last_error"`
	Failed         bool      `json:"failed,omitempty"`
}

// HasMedia reports whether the post goes out as a photo.
func (p Post) HasMedia() bool {
	return strings.TrimSpace(p.Image) != "" || strings.TrimSpace(p.FileID) != ""
}

// Clone returns a deep copy; the pointer fields are not shared.
func (p Post) Clone() Post {
	cp := p
	if p.LastPostedYear != nil {
		y := *p.LastPostedYear
		cp.LastPostedYear = &y
	}
	if p.LastError != nil {
		e := *p.LastError
		cp.LastError = &e
	}
	return cp
}

func (p Post) String() string {
	return fmt.Sprintf("post_%d", p.ID)
}

// ChannelID is a destination: "@name" or a numeric chat id. Files written by
// hand sometimes carry the numeric form as a JSON number, so both decode.
type ChannelID string

func (c *ChannelID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*c = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = ChannelID(strings.TrimSpace(s))
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("channel_id: %w", err)
	}
	*c = ChannelID(strconv.FormatInt(n, 10))
	return nil
}

// IntPtr and StrPtr build the optional fields.
func IntPtr(v int) *int       { return &v }
func StrPtr(v string) *string { return &v }
