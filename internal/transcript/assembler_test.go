package transcript

import "testing"

func TestAppendBuildsAssistantCaption(t *testing.T) {
	a := NewAssembler()
	if c := a.Append("r1", RoleAssistant, "Hello,", false); c.Text != "Hello," || c.Final {
		t.Fatalf("unexpected caption %+v", c)
	}
	a.Append("r1", RoleAssistant, " world.", false)
	c := a.Append("r1", RoleAssistant, "", true)
	if c.Text != "Hello, world." || !c.Final || c.Role != RoleAssistant {
		t.Fatalf("unexpected final caption %+v", c)
	}
	if a.Len() != 0 {
		t.Fatalf("final caption should evict the stream, %d open", a.Len())
	}
}

func TestReplaceTracksInterimTranscripts(t *testing.T) {
	a := NewAssembler()
	a.Replace("mic", RoleUser, "turn on", false)
	if c := a.Replace("mic", RoleUser, "turn on the lights", false); c.Text != "turn on the lights" {
		t.Fatalf("interim should replace, got %q", c.Text)
	}
	if a.Len() != 1 {
		t.Fatalf("expected one open stream, got %d", a.Len())
	}
	if c := a.Replace("mic", RoleUser, "turn on the lights please", true); !c.Final {
		t.Fatal("expected final caption")
	}
	if a.Len() != 0 {
		t.Fatal("stream should be evicted")
	}
}

func TestStreamsAreIndependent(t *testing.T) {
	a := NewAssembler()
	a.Append("x", RoleAssistant, "one", false)
	a.Replace("x", RoleUser, "two", false)
	if c := a.Append("x", RoleAssistant, " more", true); c.Text != "one more" {
		t.Fatalf("roles sharing a stream id must not mix, got %q", c.Text)
	}
	if c := a.Append("", RoleAssistant, "anon", true); c.StreamID != RoleAssistant {
		t.Fatalf("empty stream id should fall back to role, got %q", c.StreamID)
	}
	if a.Len() != 1 {
		t.Fatalf("expected the user stream to remain, got %d", a.Len())
	}
}

func TestInterruptClosesAssistantStreams(t *testing.T) {
	a := NewAssembler()
	a.Append("r1", RoleAssistant, "I was saying", false)
	a.Replace("mic", RoleUser, "stop", false)
	closed := a.Interrupt(RoleAssistant)
	if len(closed) != 1 || closed[0].StreamID != "r1" || !closed[0].Final || closed[0].Text != "I was saying" {
		t.Fatalf("unexpected interrupted captions %+v", closed)
	}
	if a.Len() != 1 {
		t.Fatalf("user stream should survive, got %d open", a.Len())
	}
}
