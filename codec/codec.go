// Package codec decodes archive entry names stored in legacy code pages.
//
// ZIP archives produced by old Japanese/Chinese/Korean tools carry entry names
// in Shift-JIS, GBK, Big5 and friends with the UTF-8 header flag unset. Naive
// decoding yields mojibake. The codec trial-decodes against a fixed candidate
// list and scores each result by how plausible the runes are.
package codec

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	textunicode "golang.org/x/text/encoding/unicode"
)

// Confidence signals how trustworthy a decoded name is.
type Confidence int

const (
	// HighConfidence means a candidate decoded strictly with a positive score.
	HighConfidence Confidence = iota
	// LowConfidence means every candidate failed and the name was decoded as
	// UTF-8 with replacement characters.
	LowConfidence
)

// candidate pairs an encoding name with its decoder/encoder pair.
type candidate struct {
	name string
	enc  encoding.Encoding
}

// candidates is the ordered trial list. UTF-8 first so that well-formed modern
// archives win immediately; UTF-16 last because almost any byte pair decodes.
var candidates = []candidate{
	{"utf-8", nil},
	{"gb18030", simplifiedchinese.GB18030},
	{"big5", traditionalchinese.Big5},
	{"shift-jis", japanese.ShiftJIS},
	{"euc-kr", korean.EUCKR},
	{"cp437", charmap.CodePage437},
	{"iso-8859-1", charmap.ISO8859_1},
	{"gbk", simplifiedchinese.GBK},
	{"utf-16", textunicode.UTF16(textunicode.LittleEndian, textunicode.UseBOM)},
}

// Decode converts raw entry-name bytes to a string. utf8Flag is the archive
// header's UTF-8 bit; when set and the bytes are valid UTF-8, no trial
// decoding happens. Returns the name, the encoding that produced it, and a
// confidence signal.
func Decode(raw []byte, utf8Flag bool) (string, string, Confidence) {
	if len(raw) == 0 {
		return "", "utf-8", HighConfidence
	}

	if utf8Flag && utf8.Valid(raw) {
		return string(raw), "utf-8", HighConfidence
	}

	bestName := ""
	bestEnc := ""
	bestScore := 0
	found := false

	for _, cand := range candidates {
		decoded, ok := strictDecode(raw, cand.enc)
		if !ok {
			continue
		}
		// Single-byte code pages decode anything; a negative score means the
		// result is control-character soup, not a real name.
		score := scoreName(decoded)
		if score < 0 {
			continue
		}
		if !found || score > bestScore {
			bestName = decoded
			bestEnc = cand.name
			bestScore = score
			found = true
		}
	}

	if found {
		return bestName, bestEnc, HighConfidence
	}

	// Nothing decoded cleanly: fall back to lossy UTF-8 and flag it.
	return string([]rune(strings.ToValidUTF8(string(raw), "�"))), "utf-8", LowConfidence
}

// Encode converts a decoded name back into the named encoding's bytes.
func Encode(name string, encodingName string) ([]byte, error) {
	if encodingName == "utf-8" {
		return []byte(name), nil
	}
	for _, cand := range candidates {
		if cand.name == encodingName && cand.enc != nil {
			return cand.enc.NewEncoder().Bytes([]byte(name))
		}
	}
	return nil, &UnknownEncodingError{Name: encodingName}
}

// UnknownEncodingError reports an encoding name outside the candidate list.
type UnknownEncodingError struct {
	Name string
}

func (e *UnknownEncodingError) Error() string {
	return "unknown encoding: " + e.Name
}

// strictDecode attempts a strict decode of raw with enc (nil means UTF-8).
// A decode counts as strict only if it produced no replacement characters.
func strictDecode(raw []byte, enc encoding.Encoding) (string, bool) {
	if enc == nil {
		if !utf8.Valid(raw) {
			return "", false
		}
		return string(raw), true
	}

	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", false
	}
	s := string(out)
	if !utf8.ValidString(s) || strings.ContainsRune(s, '�') {
		return "", false
	}
	return s, true
}

// commonHan lists high-frequency Han characters seen in real archive entry
// names: volume/chapter markers, numerals, cover and page words. Several code
// pages can decode the same bytes strictly into Han runes with equal counts;
// weighting the runes actual names use breaks those ties toward the encoding
// that produced everyday characters instead of dictionary-tail ones.
const commonHan = "第巻卷話话回集冊册版完全新旧上中下前後后編编号末付録录特別别増增刊" +
	"漫画畫面封表裏裡紙纸絵绘図图書书本作者名大小長长短高低" +
	"一二三四五六七八九十百千万零年月日号期部章頁页単行"

var commonHanSet = func() map[rune]bool {
	set := make(map[rune]bool)
	for _, r := range commonHan {
		set[r] = true
	}
	return set
}()

// scoreName rates a decoded name. Runes from plausible blocks add, control
// and replacement runes subtract heavily. Han runes are tiered: everyday
// characters outscore rare ones so that competing code pages whose decodes
// are equally clean do not tie.
func scoreName(s string) int {
	score := 0
	for _, r := range s {
		switch {
		case r == '�':
			score -= 10
		case r < 0x20 || r == 0x7F:
			score -= 5
		case unicode.Is(unicode.Han, r):
			if commonHanSet[r] {
				score += 3
			} else {
				score++
			}
		case plausibleRune(r):
			score += 2
		}
	}
	return score
}

// plausibleRune reports whether r belongs to a block we expect in real
// archive entry names. Han is scored separately.
func plausibleRune(r rune) bool {
	if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
		return true
	}
	return unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}
