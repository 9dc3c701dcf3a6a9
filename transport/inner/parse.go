package inner

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"chatpipe/message"
)

// chatResponse is the subset of the live_chat/get_live_chat response this
// transport consumes.
type chatResponse struct {
	ContinuationContents struct {
		LiveChatContinuation struct {
			Continuations []continuationEntry `json:"continuations"`
			Actions       []json.RawMessage    `json:"actions"`
		} `json:"liveChatContinuation"`
	} `json:"continuationContents"`
}

type continuationEntry struct {
	InvalidationContinuationData *struct {
		Continuation string `json:"continuation"`
	} `json:"invalidationContinuationData"`
	TimedContinuationData *struct {
		Continuation string `json:"continuation"`
		TimeoutMs    int64  `json:"timeoutMs"`
	} `json:"timedContinuationData"`
	ReloadContinuationData *struct {
		Continuation string `json:"continuation"`
	} `json:"reloadContinuationData"`
}

// nextContinuation returns the continuation token and pacing kind to use
// for the next poll, preferring invalidation, then timed, then reload.
func (r *chatResponse) nextContinuation() (token string, kind continuationKind, timeoutMs int64, ok bool) {
	for _, c := range r.ContinuationContents.LiveChatContinuation.Continuations {
		if c.InvalidationContinuationData != nil {
			return c.InvalidationContinuationData.Continuation, continuationInvalidation, 0, true
		}
	}
	for _, c := range r.ContinuationContents.LiveChatContinuation.Continuations {
		if c.TimedContinuationData != nil {
			return c.TimedContinuationData.Continuation, continuationTimed, c.TimedContinuationData.TimeoutMs, true
		}
	}
	for _, c := range r.ContinuationContents.LiveChatContinuation.Continuations {
		if c.ReloadContinuationData != nil {
			return c.ReloadContinuationData.Continuation, continuationReload, 0, true
		}
	}
	return "", 0, 0, false
}

type action struct {
	AddChatItemAction *struct {
		Item json.RawMessage `json:"item"`
	} `json:"addChatItemAction"`
	ReplayChatItemAction *struct {
		Actions []json.RawMessage `json:"actions"`
	} `json:"replayChatItemAction"`
}

// runItem mirrors one element of a message's structured "runs" array:
// either a plain text run or an emoji run.
type runItem struct {
	Text  string `json:"text"`
	Emoji *struct {
		EmojiID   string   `json:"emojiId"`
		Shortcuts []string `json:"shortcuts"`
		Image     struct {
			Thumbnails []struct {
				URL string `json:"url"`
			} `json:"thumbnails"`
		} `json:"image"`
		IsCustomEmoji bool `json:"isCustomEmoji"`
	} `json:"emoji"`
}

type messageRenderer struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestampUsec"`
	Message   *struct {
		Runs []runItem `json:"runs"`
	} `json:"message"`
	AuthorName *struct {
		SimpleText string `json:"simpleText"`
	} `json:"authorName"`
	AuthorExternalChannelID string `json:"authorExternalChannelId"`
	AuthorPhoto             *struct {
		Thumbnails []struct {
			URL string `json:"url"`
		} `json:"thumbnails"`
	} `json:"authorPhoto"`
	AuthorBadges []struct {
		LiveChatAuthorBadgeRenderer struct {
			Icon *struct {
				IconType string `json:"iconType"`
			} `json:"icon"`
			CustomThumbnail json.RawMessage `json:"customThumbnail"`
		} `json:"liveChatAuthorBadgeRenderer"`
	} `json:"authorBadges"`
	PurchaseAmountText *struct {
		SimpleText string `json:"simpleText"`
	} `json:"purchaseAmountText"`
	HeaderSubtext *struct {
		Runs []runItem `json:"runs"`
	} `json:"headerSubtext"`
}

type item struct {
	LiveChatTextMessageRenderer                          *messageRenderer `json:"liveChatTextMessageRenderer"`
	LiveChatPaidMessageRenderer                          *messageRenderer `json:"liveChatPaidMessageRenderer"`
	LiveChatPaidStickerRenderer                          *messageRenderer `json:"liveChatPaidStickerRenderer"`
	LiveChatMembershipItemRenderer                       *messageRenderer `json:"liveChatMembershipItemRenderer"`
	LiveChatSponsorshipsGiftPurchaseAnnouncementRenderer *messageRenderer `json:"liveChatSponsorshipsGiftPurchaseAnnouncementRenderer"`
}

// parseActions flattens the response's action list into normalized
// messages. Replay actions (archive playback) carry a nested action
// list that must itself be expanded one add-chat-item at a time: this is
// the bug this function exists to avoid — treating a replay wrapper as a
// single message silently drops every message but the first.
func parseActions(raw []json.RawMessage, cache *EmojiCache) []message.Message {
	var out []message.Message
	for _, rawAction := range raw {
		var a action
		if err := json.Unmarshal(rawAction, &a); err != nil {
			continue
		}
		if a.AddChatItemAction != nil {
			if m, ok := parseChatItem(a.AddChatItemAction.Item, cache); ok {
				out = append(out, m)
			}
			continue
		}
		if a.ReplayChatItemAction != nil {
			for _, nested := range a.ReplayChatItemAction.Actions {
				var inner action
				if err := json.Unmarshal(nested, &inner); err != nil {
					continue
				}
				if inner.AddChatItemAction == nil {
					continue
				}
				if m, ok := parseChatItem(inner.AddChatItemAction.Item, cache); ok {
					out = append(out, m)
				}
			}
		}
	}
	return out
}

func parseChatItem(raw json.RawMessage, cache *EmojiCache) (message.Message, bool) {
	var it item
	if err := json.Unmarshal(raw, &it); err != nil {
		return message.Message{}, false
	}

	switch {
	case it.LiveChatTextMessageRenderer != nil:
		return buildMessage(it.LiveChatTextMessageRenderer, message.KindText, cache)
	case it.LiveChatPaidMessageRenderer != nil:
		m, ok := buildMessage(it.LiveChatPaidMessageRenderer, message.KindTip, cache)
		if ok && it.LiveChatPaidMessageRenderer.PurchaseAmountText != nil {
			amount := it.LiveChatPaidMessageRenderer.PurchaseAmountText.SimpleText
			m.Tip = message.TipDetails{AmountDisplay: amount, Currency: detectCurrency(amount)}
		}
		return m, ok
	case it.LiveChatPaidStickerRenderer != nil:
		m, ok := buildMessage(it.LiveChatPaidStickerRenderer, message.KindStickerTip, cache)
		if ok && it.LiveChatPaidStickerRenderer.PurchaseAmountText != nil {
			amount := it.LiveChatPaidStickerRenderer.PurchaseAmountText.SimpleText
			m.Tip = message.TipDetails{AmountDisplay: amount, Currency: detectCurrency(amount)}
		}
		return m, ok
	case it.LiveChatMembershipItemRenderer != nil:
		m, ok := buildMessage(it.LiveChatMembershipItemRenderer, message.KindMemberJoin, cache)
		if ok && it.LiveChatMembershipItemRenderer.HeaderSubtext != nil {
			m.Tip = message.TipDetails{MemberLevel: flattenRuns(it.LiveChatMembershipItemRenderer.HeaderSubtext.Runs)}
		}
		return m, ok
	case it.LiveChatSponsorshipsGiftPurchaseAnnouncementRenderer != nil:
		return buildMessage(it.LiveChatSponsorshipsGiftPurchaseAnnouncementRenderer, message.KindMemberGift, cache)
	default:
		return message.Message{}, false
	}
}

func buildMessage(r *messageRenderer, kind message.Kind, cache *EmojiCache) (message.Message, bool) {
	if r.ID == "" {
		return message.Message{}, false
	}
	m := message.Message{
		ID:   r.ID,
		Kind: kind,
	}
	if r.AuthorName != nil {
		m.AuthorName = r.AuthorName.SimpleText
	}
	m.AuthorChannelID = r.AuthorExternalChannelID
	if r.AuthorPhoto != nil && len(r.AuthorPhoto.Thumbnails) > 0 {
		m.AuthorImageURL = r.AuthorPhoto.Thumbnails[len(r.AuthorPhoto.Thumbnails)-1].URL
	}
	m.PublishedAt = parseTimestampUsec(r.Timestamp)
	m.Roles = parseAuthorBadges(r)

	if r.Message != nil {
		m.Runs = buildRuns(r.Message.Runs, cache)
		m.Body = m.Reconstruct()
	}
	return m, true
}

// buildRuns converts InnerTube runs into normalized runs, caching every
// emoji shortcut seen along the way (for every shortcut an emoji
// carries, not just the first) so later plain-text shortcuts of the same
// emoji can be resolved.
func buildRuns(runs []runItem, cache *EmojiCache) []message.Run {
	out := make([]message.Run, 0, len(runs))
	for _, r := range runs {
		if r.Emoji == nil {
			if r.Text != "" {
				out = append(out, cache.ConvertText(r.Text)...)
			}
			continue
		}
		if r.Emoji.EmojiID == "" {
			continue
		}
		thumbs := make([]string, 0, len(r.Emoji.Image.Thumbnails))
		for _, t := range r.Emoji.Image.Thumbnails {
			thumbs = append(thumbs, t.URL)
		}
		info := EmojiInfo{
			ID:         r.Emoji.EmojiID,
			Shortcuts:  r.Emoji.Shortcuts,
			Thumbnails: thumbs,
			IsCustom:   r.Emoji.IsCustomEmoji,
		}
		cache.Put(info)
		out = append(out, message.Run{Emoji: &message.EmojiRef{
			ID:         info.ID,
			Shortcuts:  info.Shortcuts,
			Thumbnails: info.Thumbnails,
			IsCustom:   info.IsCustom,
		}})
	}
	return out
}

func flattenRuns(runs []runItem) string {
	var sb strings.Builder
	for _, r := range runs {
		sb.WriteString(r.Text)
	}
	return sb.String()
}

// parseTimestampUsec parses a microsecond-epoch timestamp string. A
// parse failure falls back to the current time rather than dropping the
// message: this field is attached to nearly every action and an
// occasional malformed value should not be fatal.
func parseTimestampUsec(s string) time.Time {
	usec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Now()
	}
	return time.UnixMicro(usec)
}

// parseAuthorBadges maps icon types to role flags. A verified badge does
// not, by itself, imply ownership or moderator status.
func parseAuthorBadges(r *messageRenderer) message.Roles {
	var roles message.Roles
	for _, b := range r.AuthorBadges {
		badge := b.LiveChatAuthorBadgeRenderer
		if badge.Icon != nil {
			switch badge.Icon.IconType {
			case "OWNER":
				roles.Owner = true
			case "MODERATOR":
				roles.Moderator = true
			case "VERIFIED":
				roles.Verified = true
			}
		}
		if len(badge.CustomThumbnail) > 0 {
			roles.Member = true
		}
	}
	return roles
}

// detectCurrency infers an ISO currency code from the leading symbol of
// a formatted amount string, defaulting to USD.
func detectCurrency(amount string) string {
	switch {
	case strings.ContainsAny(amount, "¥￥"):
		return "JPY"
	case strings.Contains(amount, "$"):
		return "USD"
	case strings.Contains(amount, "€"):
		return "EUR"
	case strings.Contains(amount, "£"):
		return "GBP"
	default:
		return "USD"
	}
}
