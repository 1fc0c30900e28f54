package domain

// ---------------------------------------------------------------------------
// Shared value objects — used across bounded contexts
// ---------------------------------------------------------------------------

// ChannelType identifies a messaging provider. The set is closed: routing
// tables enumerate every member and reject anything else.
type ChannelType string

const (
	ChannelWhatsApp  ChannelType = "whatsapp"
	ChannelMessenger ChannelType = "messenger"
	ChannelInstagram ChannelType = "instagram"
	ChannelSlack     ChannelType = "slack"
	ChannelTelegram  ChannelType = "telegram"
	ChannelHangouts  ChannelType = "hangouts"
	ChannelMSTeams   ChannelType = "msteams"
	ChannelLine      ChannelType = "line"
)

// AllChannelTypes returns every supported channel kind.
func AllChannelTypes() []ChannelType {
	return []ChannelType{
		ChannelWhatsApp, ChannelMessenger, ChannelInstagram, ChannelSlack,
		ChannelTelegram, ChannelHangouts, ChannelMSTeams, ChannelLine,
	}
}

// String implements fmt.Stringer.
func (ct ChannelType) String() string { return string(ct) }

// Valid returns true if the channel type is recognized.
func (ct ChannelType) Valid() bool {
	for _, t := range AllChannelTypes() {
		if t == ct {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------

// System slot names reserved by the platform. Actions may read them but
// only the runtime writes kairon_action_response.
const (
	SlotActionResponse = "kairon_action_response"
	SlotBot            = "bot"
	SlotImage          = "image"
	SlotAudio          = "audio"
	SlotVideo          = "video"
	SlotDocument       = "document"
	SlotDocURL         = "doc_url"
	SlotOrder          = "order"
)

// EntityUserMsg is the entity name that overrides the tracker's latest
// message for prompt actions when the text starts with "/".
const EntityUserMsg = "kairon_user_msg"

// ---------------------------------------------------------------------------

// Metadata is a generic key-value map for extensible properties.
type Metadata map[string]string

// Get returns a metadata value, or empty string if not present.
func (m Metadata) Get(key string) string {
	if m == nil {
		return ""
	}
	return m[key]
}

// Set writes a metadata key-value pair. Initializes the map if nil.
func (m *Metadata) Set(key, value string) {
	if *m == nil {
		*m = make(Metadata)
	}
	(*m)[key] = value
}
