package provider

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/threadline/threadline/internal/db"
)

// WhatsAppPrefix is the addressing convention distinguishing WhatsApp
// traffic from plain SMS.
const WhatsAppPrefix = "whatsapp:"

// NormalizedInbound is the canonical shape of a raw provider webhook.
type NormalizedInbound struct {
	ExternalID string
	Channel    string
	From       string
	To         string
	Body       *string
	Media      []string // nil when the message has no attachments
	Timestamp  string
}

// ParseInbound normalizes a raw form-encoded provider callback.
//
// The external id falls back to a synthesized from+receipt-time value when
// the provider omits it. Media URIs come from MediaUrl0..N-1 where N is the
// declared NumMedia; the result is nil, never empty, when there are none.
func ParseInbound(form url.Values) NormalizedInbound {
	externalID := firstNonEmpty(
		form.Get("MessageSid"),
		form.Get("SmsMessageSid"),
		form.Get("SmsSid"),
	)

	from := form.Get("From")
	to := form.Get("To")

	if externalID == "" {
		externalID = fmt.Sprintf("%s-%d", from, time.Now().UnixMilli())
	}

	var body *string
	if b := form.Get("Body"); b != "" {
		body = &b
	}

	numMedia, _ := strconv.Atoi(form.Get("NumMedia"))
	var media []string
	for i := 0; i < numMedia; i++ {
		if u := form.Get(fmt.Sprintf("MediaUrl%d", i)); u != "" {
			media = append(media, u)
		}
	}

	channel := db.ChannelSMS
	if strings.HasPrefix(from, WhatsAppPrefix) {
		channel = db.ChannelWhatsApp
	}

	timestamp := form.Get("Timestamp")
	if timestamp == "" {
		timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	return NormalizedInbound{
		ExternalID: externalID,
		Channel:    channel,
		From:       from,
		To:         to,
		Body:       body,
		Media:      media,
		Timestamp:  timestamp,
	}
}

// NormalizeAddress strips channel-specific prefixes, yielding the durable
// address contacts are keyed on.
func NormalizeAddress(addr string) string {
	return strings.TrimPrefix(addr, WhatsAppPrefix)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
