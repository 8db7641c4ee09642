// Package textconv converts recognized Chinese text to the script the user
// selected.
package textconv

import (
	"fmt"
	"sync"

	"github.com/longbridgeapp/opencc"
)

// Converter lazily builds one opencc converter per direction.
type Converter struct {
	mu    sync.Mutex
	convs map[string]*opencc.OpenCC
}

func New() *Converter {
	return &Converter{convs: make(map[string]*opencc.OpenCC)}
}

// ContainsHan reports whether s contains a CJK unified ideograph.
func ContainsHan(s string) bool {
	for _, r := range s {
		if r >= '一' && r <= '龥' {
			return true
		}
	}
	return false
}

// ForLanguage converts text to Traditional (zh-tw) or Simplified (zh-cn)
// Chinese. Other languages and text without ideographs pass through.
func (c *Converter) ForLanguage(text, language string) (string, error) {
	var scheme string
	switch language {
	case "zh-tw":
		scheme = "s2tw"
	case "zh-cn":
		scheme = "tw2s"
	default:
		return text, nil
	}
	if !ContainsHan(text) {
		return text, nil
	}
	conv, err := c.get(scheme)
	if err != nil {
		return text, err
	}
	out, err := conv.Convert(text)
	if err != nil {
		return text, fmt.Errorf("convert %s: %w", scheme, err)
	}
	return out, nil
}

func (c *Converter) get(scheme string) (*opencc.OpenCC, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conv, ok := c.convs[scheme]; ok {
		return conv, nil
	}
	conv, err := opencc.New(scheme)
	if err != nil {
		return nil, fmt.Errorf("load opencc %s: %w", scheme, err)
	}
	c.convs[scheme] = conv
	return conv, nil
}
