package display

import (
	"strings"

	"golang.org/x/net/html"
)

// PlainText はサニタイズ済みHTMLを通知本文用のプレーンテキストに変換する。
// p と br は改行にし、連続する空白は1つにまとめる。
func PlainText(body string) string {
	if body == "" {
		return ""
	}

	var b strings.Builder
	tokenizer := html.NewTokenizer(strings.NewReader(body))
	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return tidy(b.String())
		case html.TextToken:
			b.Write(tokenizer.Text())
		case html.StartTagToken, html.SelfClosingTagToken, html.EndTagToken:
			name, _ := tokenizer.TagName()
			switch string(name) {
			case "br":
				b.WriteByte('\n')
			case "p", "blockquote":
				if tt == html.EndTagToken {
					b.WriteString("\n\n")
				}
			}
		}
	}
}

// tidy は各行の空白を詰め、3行以上の空行を2行にまとめる。
func tidy(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
