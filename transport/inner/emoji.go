package inner

import (
	"regexp"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"chatpipe/message"
)

// emojiCacheSize bounds the process-wide custom-emoji cache.
const emojiCacheSize = 2000

// emojiShortcutPattern matches custom-emoji shortcuts such as ":_wave:".
var emojiShortcutPattern = regexp.MustCompile(`:_[^:]+:`)

// EmojiInfo describes one custom or standard emoji.
type EmojiInfo struct {
	ID         string
	Shortcuts  []string
	Thumbnails []string
	IsCustom   bool
}

// EmojiCache is a process-wide LRU cache mapping an emoji shortcut to its
// info, shared across every Transport/Inner instance in the process so a
// shortcut learned by one stream benefits every other.
type EmojiCache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, EmojiInfo]
}

var (
	emojiOnce     sync.Once
	emojiInstance *EmojiCache
)

// GlobalEmojiCache returns the process-wide emoji cache, constructing it on
// first use.
func GlobalEmojiCache() *EmojiCache {
	emojiOnce.Do(func() {
		c, err := lru.New[string, EmojiInfo](emojiCacheSize)
		if err != nil {
			// size is a positive compile-time constant; New only fails for
			// size <= 0.
			panic(err)
		}
		emojiInstance = &EmojiCache{lru: c}
	})
	return emojiInstance
}

// Put registers info under every shortcut it carries.
func (c *EmojiCache) Put(info EmojiInfo) {
	if len(info.ID) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range info.Shortcuts {
		c.lru.Add(s, info)
	}
}

// Len reports the number of cached shortcuts, for diagnostics.
func (c *EmojiCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// ConvertText finds custom-emoji shortcuts in text and replaces any that
// are cached with an emoji run, leaving unmatched shortcuts as literal
// text. Discipline: a try-lock fast path answers "unchanged" immediately
// when the cache is empty, skipping the regex scan entirely; otherwise
// the regex runs outside the lock and only peek (non-mutating) lookups
// happen under a single lock acquisition.
func (c *EmojiCache) ConvertText(text string) []message.Run {
	if c.mu.TryLock() {
		empty := c.lru.Len() == 0
		c.mu.Unlock()
		if empty {
			return []message.Run{{Text: text}}
		}
	}

	matches := emojiShortcutPattern.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return []message.Run{{Text: text}}
	}

	found := make(map[string]EmojiInfo, len(matches))
	c.mu.Lock()
	for _, m := range matches {
		shortcut := text[m[0]:m[1]]
		if _, already := found[shortcut]; already {
			continue
		}
		if info, ok := c.lru.Peek(shortcut); ok {
			found[shortcut] = info
		}
	}
	c.mu.Unlock()

	if len(found) == 0 {
		return []message.Run{{Text: text}}
	}

	var runs []message.Run
	pos := 0
	for _, m := range matches {
		shortcut := text[m[0]:m[1]]
		info, ok := found[shortcut]
		if !ok {
			continue
		}
		if m[0] > pos {
			runs = append(runs, message.Run{Text: text[pos:m[0]]})
		}
		runs = append(runs, message.Run{Emoji: &message.EmojiRef{
			ID:         info.ID,
			Shortcuts:  info.Shortcuts,
			Thumbnails: info.Thumbnails,
			IsCustom:   info.IsCustom,
		}})
		pos = m[1]
	}
	if pos < len(text) {
		runs = append(runs, message.Run{Text: text[pos:]})
	}
	return runs
}
