// Package lipsync turns speech timing into scheduled mouth shapes.
package lipsync

import "unicode"

const (
	VowelA = "a"
	VowelI = "i"
	VowelU = "u"
	VowelE = "e"
	VowelO = "o"
)

var kanaVowels = map[rune]string{}

func init() {
	rows := map[string]string{
		VowelA: "あかさたなはまやらわがざだばぱぁゃゎ",
		VowelI: "いきしちにひみりぎじぢびぴぃ",
		VowelU: "うくすつぬふむゆるぐずづぶぷぅゅゔ",
		VowelE: "えけせてねへめれげぜでべぺぇ",
		VowelO: "おこそとのほもよろをごぞどぼぽぉょ",
	}
	for vowel, kana := range rows {
		for _, r := range kana {
			kanaVowels[r] = vowel
			// Katakana sits 0x60 above hiragana.
			kanaVowels[r+0x60] = vowel
		}
	}
}

// ExtractVowels maps kana and latin vowels in text to vowel classes. The
// prolonged sound mark repeats the previous vowel, or "a" at the start.
// Everything else is ignored.
func ExtractVowels(text string) []string {
	var out []string
	for _, r := range text {
		if r == 'ー' {
			if len(out) > 0 {
				out = append(out, out[len(out)-1])
			} else {
				out = append(out, VowelA)
			}
			continue
		}
		if v, ok := kanaVowels[r]; ok {
			out = append(out, v)
			continue
		}
		switch unicode.ToLower(r) {
		case 'a':
			out = append(out, VowelA)
		case 'i':
			out = append(out, VowelI)
		case 'u':
			out = append(out, VowelU)
		case 'e':
			out = append(out, VowelE)
		case 'o':
			out = append(out, VowelO)
		}
	}
	return out
}
