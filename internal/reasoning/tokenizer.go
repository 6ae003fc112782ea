package reasoning

import (
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Tokenizer 精确 token 计数器，支持 tiktoken 和启发式回退
// Tokenizer provides precise token counting with tiktoken and heuristic fallback
type Tokenizer struct {
	encoder      *tiktoken.Tiktoken
	encodingName string
	fallback     bool
	mu           sync.RWMutex
}

// NewTokenizer 创建 tokenizer，如果 tiktoken 初始化失败则回退到启发式
// NewTokenizer creates a tokenizer, falls back to heuristic if tiktoken init fails
func NewTokenizer(encodingName string) *Tokenizer {
	t := &Tokenizer{encodingName: encodingName}

	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		// 离线环境可能没有 BPE 缓存，回退到启发式
		// Offline environments may lack BPE cache, fallback to heuristic
		t.fallback = true
		return t
	}
	t.encoder = enc
	return t
}

// NewTokenizerForModel 根据模型名自动选择编码
// NewTokenizerForModel auto-selects encoding based on model name
func NewTokenizerForModel(model string) *Tokenizer {
	return NewTokenizer(modelToEncoding(model))
}

// CountText 计算单个文本的 token 数
// CountText counts tokens for a single text string
func (t *Tokenizer) CountText(text string) int {
	if text == "" {
		return 0
	}
	if t.fallback {
		return heuristicTokenCount(text)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	tokens := t.encoder.Encode(text, nil, nil)
	return len(tokens)
}

// IsPrecise 返回是否使用精确计数
// IsPrecise returns whether precise counting is available
func (t *Tokenizer) IsPrecise() bool {
	return !t.fallback
}

// heuristicTokenCount 启发式 token 估算
// heuristicTokenCount estimates tokens without an encoder
func heuristicTokenCount(text string) int {
	if text == "" {
		return 0
	}
	// CJK 字符通常 1-2 token/字, 英文约 4 chars/token
	// CJK characters are typically 1-2 tokens each, English ~4 chars/token
	cjkCount := 0
	asciiCount := 0
	for _, r := range text {
		if isCJK(r) {
			cjkCount++
		} else {
			asciiCount++
		}
	}
	estimate := int(float64(cjkCount)*1.5 + float64(asciiCount)*0.25)
	if estimate < 1 {
		estimate = 1
	}
	return estimate
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x3000 && r <= 0x303F) ||
		(r >= 0xFF00 && r <= 0xFFEF) ||
		(r >= 0xAC00 && r <= 0xD7AF)
}

// modelToEncoding 根据模型名推断编码
// modelToEncoding maps model name to encoding name
func modelToEncoding(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case m == "":
		return "cl100k_base"
	case strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"):
		return "o200k_base"
	case strings.HasPrefix(m, "gpt-4o"), strings.HasPrefix(m, "chatgpt-4o"):
		return "o200k_base"
	default:
		return "cl100k_base"
	}
}
