package mapserver

import (
	"encoding/json"
	"strings"
	"time"

	"muruntime/internal/messagehub"
	"muruntime/internal/protocol"
	"muruntime/internal/wire"
)

// Publisher is MessageHub's publish surface for non-local chat scopes.
type Publisher interface {
	Publish(msg messagehub.Message) error
}

const maxChatLen = 240

// sanitizeChat trims control characters and caps length; a full profanity
// filter is out of scope (spec.md's Non-goals exclude anti-cheat/anti-abuse
// heuristics beyond structural validation).
func sanitizeChat(text string) string {
	var b strings.Builder
	for _, r := range text {
		if r == '\n' || r == '\t' || r < 0x20 {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if len(out) > maxChatLen {
		out = out[:maxChatLen]
	}
	return strings.TrimSpace(out)
}

func scopeToKind(scope string) (messagehub.Kind, bool) {
	switch scope {
	case "Party":
		return messagehub.KindParty, true
	case "Guild":
		return messagehub.KindGuild, true
	case "Global":
		return messagehub.KindGlobal, true
	case "Whisper":
		return messagehub.KindWhisper, true
	default:
		return "", false
	}
}

// handleChat implements the chat dispatch half of spec.md §4.H: Local
// messages are sanitized and broadcast within the instance; every other
// scope is published to MessageHub under the matching topic.
func (inst *Instance) handleChat(c *CharacterState, payload []byte) {
	var chat protocol.ChatPayload
	if err := json.Unmarshal(payload, &chat); err != nil {
		return
	}
	text := sanitizeChat(chat.Text)
	if text == "" {
		return
	}

	if chat.Scope == "Local" {
		inst.broadcastLocalChat(c, text)
		return
	}

	kind, ok := scopeToKind(chat.Scope)
	if !ok || inst.hub == nil {
		return
	}
	inst.hub.Publish(messagehub.Message{
		Topic:      messagehub.Topic{Kind: kind, ScopeKey: chat.ScopeKey},
		SenderChar: string(c.CharacterID),
		Text:       text,
	})
}

func (inst *Instance) broadcastLocalChat(c *CharacterState, text string) {
	if inst.broadcaster == nil || inst.codec == nil {
		return
	}
	body, err := json.Marshal(protocol.ChatPayload{Scope: "Local", Text: text})
	if err != nil {
		return
	}
	frame, err := inst.codec.EncodeStream(wire.WirePacket{
		Version:    wire.SupportedVersion,
		ChannelID:  wire.ChannelChat,
		SentAtMs:   uint64(time.Now().UnixMilli()),
		PayloadKnd: wire.PayloadChat,
		Payload:    body,
	})
	if err != nil {
		return
	}
	inst.broadcaster.BroadcastInstance(inst.route.InstanceID, frame, "")
}
