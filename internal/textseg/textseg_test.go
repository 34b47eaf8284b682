package textseg

import "testing"

func testSegConfig() Config {
	return Config{GapSec: 0.9, HardMaxChars: 140, Language: "en"}
}

func newSegmenter(t *testing.T, cfg Config) *Segmenter {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{GapSec: 0, HardMaxChars: 140}); err == nil {
		t.Error("New should reject zero gap")
	}
	if _, err := New(Config{GapSec: 0.9, HardMaxChars: 0}); err == nil {
		t.Error("New should reject zero hard max")
	}
}

func TestPush_SentencePunctuationCommits(t *testing.T) {
	t.Parallel()

	s := newSegmenter(t, testSegConfig())
	got := s.Push("hello there everyone.", 0, 1.5)
	if len(got) != 1 {
		t.Fatalf("commits = %d, want 1", len(got))
	}
	if got[0].Text != "hello there everyone." {
		t.Errorf("text = %q", got[0].Text)
	}
	if got[0].T0 != 0 || got[0].T1 != 1.5 {
		t.Errorf("span = [%v, %v], want [0, 1.5]", got[0].T0, got[0].T1)
	}
	if s.Pending() {
		t.Error("buffer should be empty after a commit")
	}
}

func TestPush_CJKPunctuationCommits(t *testing.T) {
	t.Parallel()

	s := newSegmenter(t, Config{GapSec: 0.9, HardMaxChars: 140})
	got := s.Push("今日はいい天気ですね。", 0, 2)
	if len(got) != 1 {
		t.Fatalf("commits = %d, want 1", len(got))
	}
}

func TestPush_UnpunctuatedTextBuffers(t *testing.T) {
	t.Parallel()

	s := newSegmenter(t, testSegConfig())
	if got := s.Push("so I was thinking about", 0, 1.2); len(got) != 0 {
		t.Fatalf("unexpected commit: %v", got)
	}
	if !s.Pending() {
		t.Fatal("text should be buffered")
	}

	// A continuation inside the gap merges and commits on punctuation.
	got := s.Push("the new design.", 1.5, 2.8)
	if len(got) != 1 {
		t.Fatalf("commits = %d, want 1", len(got))
	}
	if got[0].Text != "so I was thinking about the new design." {
		t.Errorf("text = %q", got[0].Text)
	}
	if got[0].T0 != 0 || got[0].T1 != 2.8 {
		t.Errorf("span = [%v, %v], want [0, 2.8]", got[0].T0, got[0].T1)
	}
}

func TestPush_GapFlushesStaleBuffer(t *testing.T) {
	t.Parallel()

	s := newSegmenter(t, testSegConfig())
	_ = s.Push("left hanging without punctuation", 0, 1.0)

	// Next utterance starts 2 s later, past the 0.9 s gap: the stale buffer
	// commits first, then the new text commits on its own punctuation.
	got := s.Push("a fresh thought arrives.", 3.0, 4.0)
	if len(got) != 2 {
		t.Fatalf("commits = %d, want 2 (%v)", len(got), got)
	}
	if got[0].Text != "left hanging without punctuation" {
		t.Errorf("first commit = %q", got[0].Text)
	}
	if got[0].T1 != 1.0 {
		t.Errorf("first commit T1 = %v, want 1.0", got[0].T1)
	}
	if got[1].Text != "a fresh thought arrives." {
		t.Errorf("second commit = %q", got[1].Text)
	}
}

func TestPush_HardMaxCommits(t *testing.T) {
	t.Parallel()

	cfg := testSegConfig()
	cfg.HardMaxChars = 30
	s := newSegmenter(t, cfg)

	_ = s.Push("twelve chars here", 0, 1)
	got := s.Push("and quite a few more", 1.2, 2)
	if len(got) != 1 {
		t.Fatalf("commits = %d, want 1", len(got))
	}
	if s.Pending() {
		t.Error("buffer should be empty after hard-max commit")
	}
}

// The hard cap must count the merged text, join spaces included.
func TestPush_HardMaxCountsJoinSpaces(t *testing.T) {
	t.Parallel()

	cfg := testSegConfig()
	cfg.HardMaxChars = 32
	s := newSegmenter(t, cfg)

	_ = s.Push("twelve chars here", 0, 1) // 17 chars
	got := s.Push("some more text", 1.2, 2)
	// "twelve chars here some more text" is exactly 32 characters; without
	// the separator the buffer would only count 31 and keep accumulating.
	if len(got) != 1 {
		t.Fatalf("commits = %d, want 1", len(got))
	}
	if got[0].Text != "twelve chars here some more text" {
		t.Errorf("text = %q", got[0].Text)
	}
}

func TestPush_CleanupDropsFragments(t *testing.T) {
	t.Parallel()

	s := newSegmenter(t, testSegConfig())
	for _, frag := range []string{"um", "so", "yeah", "a."} {
		if got := s.Push(frag, 0, 0.3); len(got) != 0 {
			t.Errorf("fragment %q committed: %v", frag, got)
		}
	}
	if s.Pending() {
		t.Error("fragments must not be buffered")
	}
}

func TestFlush(t *testing.T) {
	t.Parallel()

	s := newSegmenter(t, testSegConfig())
	if got := s.Flush(); got != nil {
		t.Fatalf("Flush on empty segmenter = %v", got)
	}

	_ = s.Push("trailing words before shutdown", 0, 1.4)
	got := s.Flush()
	if len(got) != 1 {
		t.Fatalf("commits = %d, want 1", len(got))
	}
	if got[0].Text != "trailing words before shutdown" {
		t.Errorf("text = %q", got[0].Text)
	}
	if s.Pending() {
		t.Error("buffer should be empty after Flush")
	}
}

func TestEndsSentence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want bool
	}{
		{"done.", true},
		{"really?", true},
		{"now!", true},
		{"終わり。", true},
		{"本当に？", true},
		{"すごい！", true},
		{"trailing space. ", true},
		{"no punct", false},
		{"comma,", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := endsSentence(tc.text); got != tc.want {
			t.Errorf("endsSentence(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}
