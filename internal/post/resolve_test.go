package post

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func istanbul(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Istanbul")
	if err != nil {
		// Minimal containers may lack tzdata; the rules only need a fixed zone.
		return time.FixedZone("TRT", 3*60*60)
	}
	return loc
}

func TestResolve(t *testing.T) {
	t.Parallel()

	loc := istanbul(t)
	rules := Rules{Location: loc, Layout: DefaultLayout, Grace: 30 * time.Minute, SkipFailed: true}
	at := func(s string) time.Time {
		v, err := time.ParseInLocation(DefaultLayout, s, loc)
		if err != nil {
			t.Fatalf("bad fixture %q: %v", s, err)
		}
		return v
	}

	tests := []struct {
		name string
		post Post
		now  string
		want string // empty means not eligible
	}{
		{
			name: "one-shot in the future fires at its timestamp",
			post: Post{ID: 1, Datetime: "15.06.2025 10:00"},
			now:  "15.06.2025 09:00",
			want: "15.06.2025 10:00",
		},
		{
			name: "one-shot already posted",
			post: Post{ID: 2, Datetime: "15.06.2030 10:00", Posted: true},
			now:  "15.06.2025 09:00",
		},
		{
			name: "one-shot in the past gets no grace",
			post: Post{ID: 3, Datetime: "15.06.2025 10:00"},
			now:  "15.06.2025 10:05",
		},
		{
			name: "yearly already posted this year",
			post: Post{ID: 4, Datetime: "15.06.2020 10:00", Repeat: true, LastPostedYear: IntPtr(2025)},
			now:  "15.06.2025 09:00",
		},
		{
			name: "yearly posted last year fires this year",
			post: Post{ID: 5, Datetime: "15.06.2020 10:00", Repeat: true, LastPostedYear: IntPtr(2024)},
			now:  "15.06.2025 09:00",
			want: "15.06.2025 10:00",
		},
		{
			name: "yearly inside grace fires immediately",
			post: Post{ID: 6, Datetime: "15.06.2020 10:00", Repeat: true},
			now:  "15.06.2025 10:29",
			want: "15.06.2025 10:29",
		},
		{
			name: "yearly exactly at grace edge fires immediately",
			post: Post{ID: 7, Datetime: "15.06.2020 10:00", Repeat: true},
			now:  "15.06.2025 10:30",
			want: "15.06.2025 10:30",
		},
		{
			name: "yearly past grace is skipped",
			post: Post{ID: 8, Datetime: "15.06.2020 10:00", Repeat: true},
			now:  "15.06.2025 10:31",
		},
		{
			name: "yearly later in the year is not yet due but resolvable",
			post: Post{ID: 9, Datetime: "20.12.2020 18:00", Repeat: true},
			now:  "15.06.2025 10:00",
			want: "20.12.2025 18:00",
		},
		{
			name: "yearly earlier in the year is skipped until next year",
			post: Post{ID: 10, Datetime: "01.01.2020 00:00", Repeat: true},
			now:  "15.06.2025 10:00",
		},
		{
			name: "leap day in a common year",
			post: Post{ID: 11, Datetime: "29.02.2024 10:00", Repeat: true},
			now:  "28.02.2025 09:00",
		},
		{
			name: "leap day in a leap year",
			post: Post{ID: 12, Datetime: "29.02.2024 10:00", Repeat: true},
			now:  "29.02.2028 09:00",
			want: "29.02.2028 10:00",
		},
		{
			name: "failed post is skipped",
			post: Post{ID: 13, Datetime: "15.06.2025 10:00", Failed: true},
			now:  "15.06.2025 09:00",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.post, at(tt.now), rules)
			if tt.want == "" {
				if !errors.Is(err, ErrNotEligible) {
					t.Fatalf("err = %v (fire %v), want ErrNotEligible", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if !got.Equal(at(tt.want)) {
				t.Fatalf("fire = %v, want %v", got, at(tt.want))
			}
		})
	}
}

func TestResolveParseError(t *testing.T) {
	t.Parallel()

	for _, v := range []string{"2025-06-15 10:00", "31.04.2025 10:00", ""} {
		_, err := Resolve(Post{ID: 9, Datetime: v}, time.Now(), Rules{})
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Fatalf("%q: err = %v, want *ParseError", v, err)
		}
		if pe.PostID != 9 {
			t.Fatalf("PostID = %d", pe.PostID)
		}
		if errors.Is(err, ErrNotEligible) {
			t.Fatalf("%q: parse errors must not look like eligibility", v)
		}
	}
}

func TestParseDatetimeUnpadded(t *testing.T) {
	t.Parallel()

	want := time.Date(2026, 6, 1, 9, 5, 0, 0, time.UTC)
	rules := Rules{Location: time.UTC}
	for _, v := range []string{"01.06.2026 09:05", "1.06.2026 09:05", "01.6.2026 9:05", "1.6.2026 9:5"} {
		got, err := ParseDatetime(v, rules)
		if err != nil {
			t.Fatalf("%q: %v", v, err)
		}
		if !got.Equal(want) {
			t.Fatalf("%q = %v, want %v", v, got, want)
		}
	}
	if got := want.Format(DefaultLayout); got != "01.06.2026 09:05" {
		t.Fatalf("written form = %q", got)
	}

	// A custom layout is taken literally.
	if _, err := ParseDatetime("1.6.2026 9:05", Rules{Location: time.UTC, Layout: "02.01.2006 15:04:05"}); err == nil {
		t.Fatal("custom layout accepted an unpadded value")
	}

	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	at, err := Resolve(Post{Datetime: "1.6.2026 9:05"}, now, rules)
	if err != nil || !at.Equal(want) {
		t.Fatalf("Resolve = %v, %v", at, err)
	}
}

func TestResolveKeepsFailedWhenNotSkipping(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	got, err := Resolve(Post{Datetime: "15.06.2025 10:00", Failed: true}, now, Rules{Location: time.UTC})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if want := now.Add(time.Hour); !got.Equal(want) {
		t.Fatalf("fire = %v, want %v", got, want)
	}
}

func TestDelayFloor(t *testing.T) {
	t.Parallel()

	now := time.Now()
	if d := Delay(now, now); d != time.Second {
		t.Fatalf("Delay(now) = %v, want 1s", d)
	}
	if d := Delay(now.Add(-time.Minute), now); d != time.Second {
		t.Fatalf("Delay(past) = %v, want 1s", d)
	}
	if d := Delay(now.Add(90*time.Second), now); d != 90*time.Second {
		t.Fatalf("Delay = %v, want 90s", d)
	}
}

func TestPostJSONCompat(t *testing.T) {
	t.Parallel()

	raw := `[{"id":1,"channel_id":"@news","text":"hi","image":null,"file_id":null,
	"datetime":"01.01.2025 10:00","repeat":true,"last_posted_year":2024,"posted":false,
	"attempts":0,"last_error":null},
	{"id":2,"channel_id":-1001234,"text":"","datetime":"01.01.2025 10:00","repeat":false,
	"last_posted_year":null,"posted":true,"attempts":4,"last_error":"boom","failed":true}]`

	var posts []Post
	if err := json.Unmarshal([]byte(raw), &posts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if posts[0].ChannelID != "@news" || posts[0].LastPostedYear == nil || *posts[0].LastPostedYear != 2024 {
		t.Fatalf("post 1 decoded wrong: %+v", posts[0])
	}
	if posts[0].HasMedia() {
		t.Fatal("null image and file_id should not count as media")
	}
	if posts[1].ChannelID != "-1001234" || !posts[1].Failed || posts[1].LastError == nil || *posts[1].LastError != "boom" {
		t.Fatalf("post 2 decoded wrong: %+v", posts[1])
	}
}
