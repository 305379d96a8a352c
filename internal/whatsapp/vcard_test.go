package whatsapp

import (
	"strings"
	"testing"
)

const janeCard = "BEGIN:VCARD\r\n" +
	"VERSION:3.0\r\n" +
	"N:Doe;Jane;;;\r\n" +
	"FN:Jane Doe\r\n" +
	"TEL;type=CELL;waid=15550100:+1 555 0100\r\n" +
	"EMAIL:jane@example.com\r\n" +
	"END:VCARD\r\n"

func TestSummarizeVCard(t *testing.T) {
	got := SummarizeVCard(janeCard)
	want := "Contact card: Jane Doe, +1 555 0100 (15550100@c.us), jane@example.com"
	if got != want {
		t.Errorf("SummarizeVCard() = %q, want %q", got, want)
	}
}

func TestSummarizeVCard_NameFallback(t *testing.T) {
	raw := "BEGIN:VCARD\r\nVERSION:3.0\r\nN:Smith;Bob;;;\r\nTEL:+44 20 7946 0000\r\nEND:VCARD\r\n"
	got := SummarizeVCard(raw)
	want := "Contact card: Bob Smith, +44 20 7946 0000"
	if got != want {
		t.Errorf("SummarizeVCard() = %q, want %q", got, want)
	}
}

func TestSummarizeVCard_Unusable(t *testing.T) {
	for _, raw := range []string{
		"",
		"not a card",
		"BEGIN:VCARD\r\nVERSION:3.0\r\nEND:VCARD\r\n",
	} {
		if got := SummarizeVCard(raw); got != "" {
			t.Errorf("SummarizeVCard(%q) = %q, want empty", raw, got)
		}
	}
}

func TestMessageText(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{
			name: "chat",
			msg:  Message{Type: "chat", Body: "hello"},
			want: "hello",
		},
		{
			name: "vcard",
			msg:  Message{Type: "vcard", Body: janeCard},
			want: "Contact card: Jane Doe, +1 555 0100 (15550100@c.us), jane@example.com",
		},
		{
			name: "unparseable vcard falls back to body",
			msg:  Message{Type: "vcard", Body: "garbage"},
			want: "garbage",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessageText_MultiVCard(t *testing.T) {
	bob := strings.Replace(janeCard, "Jane Doe", "Bob Roe", 1)
	msg := Message{Type: "multi_vcard", VCards: []string{janeCard, bob}}

	lines := strings.Split(msg.Text(), "\n")
	if len(lines) != 2 {
		t.Fatalf("Text() = %q, want two summaries", msg.Text())
	}
	if !strings.Contains(lines[1], "Bob Roe") {
		t.Errorf("second summary = %q, want Bob Roe", lines[1])
	}
}

func TestMessageTime(t *testing.T) {
	if !(Message{}).Time().IsZero() {
		t.Error("Time() of unset timestamp should be zero")
	}
	if got := (Message{Timestamp: 1700000000}).Time().Unix(); got != 1700000000 {
		t.Errorf("Time().Unix() = %d", got)
	}
}
