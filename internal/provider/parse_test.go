package provider

import (
	"net/url"
	"strings"
	"testing"

	"github.com/threadline/threadline/internal/db"
)

func TestParseInboundSMS(t *testing.T) {
	form := url.Values{}
	form.Set("MessageSid", "SM123")
	form.Set("From", "+15551234567")
	form.Set("To", "+15559876543")
	form.Set("Body", "hello there")
	form.Set("NumMedia", "0")

	in := ParseInbound(form)

	if in.ExternalID != "SM123" {
		t.Errorf("expected external id SM123, got %q", in.ExternalID)
	}
	if in.Channel != db.ChannelSMS {
		t.Errorf("expected SMS channel, got %q", in.Channel)
	}
	if in.Body == nil || *in.Body != "hello there" {
		t.Errorf("body not carried through: %v", in.Body)
	}
	if in.Media != nil {
		t.Errorf("expected nil media for NumMedia=0, got %v", in.Media)
	}
}

func TestParseInboundWhatsApp(t *testing.T) {
	form := url.Values{}
	form.Set("MessageSid", "SM456")
	form.Set("From", "whatsapp:+15551234567")
	form.Set("To", "whatsapp:+15559876543")

	in := ParseInbound(form)

	if in.Channel != db.ChannelWhatsApp {
		t.Errorf("expected WHATSAPP channel, got %q", in.Channel)
	}
	if in.Body != nil {
		t.Errorf("expected nil body when Body is absent, got %q", *in.Body)
	}
}

func TestParseInboundMedia(t *testing.T) {
	form := url.Values{}
	form.Set("MessageSid", "SM789")
	form.Set("From", "+15551234567")
	form.Set("NumMedia", "2")
	form.Set("MediaUrl0", "https://media.example/a.jpg")
	form.Set("MediaUrl1", "https://media.example/b.jpg")

	in := ParseInbound(form)

	if len(in.Media) != 2 {
		t.Fatalf("expected 2 media urls, got %d", len(in.Media))
	}
	if in.Media[0] != "https://media.example/a.jpg" || in.Media[1] != "https://media.example/b.jpg" {
		t.Errorf("media urls out of order: %v", in.Media)
	}
}

func TestParseInboundSidFallbacks(t *testing.T) {
	form := url.Values{}
	form.Set("SmsMessageSid", "SMalt")
	form.Set("From", "+15551234567")

	if in := ParseInbound(form); in.ExternalID != "SMalt" {
		t.Errorf("SmsMessageSid fallback not used: %q", in.ExternalID)
	}

	form = url.Values{}
	form.Set("From", "+15551234567")

	in := ParseInbound(form)
	if !strings.HasPrefix(in.ExternalID, "+15551234567-") {
		t.Errorf("synthesized external id should embed the sender: %q", in.ExternalID)
	}
}

func TestNormalizeAddress(t *testing.T) {
	if got := NormalizeAddress("whatsapp:+15551234567"); got != "+15551234567" {
		t.Errorf("whatsapp prefix not stripped: %q", got)
	}
	if got := NormalizeAddress("+15551234567"); got != "+15551234567" {
		t.Errorf("plain address mangled: %q", got)
	}
}
