// Package page はWebページのスナップショットとコンテンツ抽出ヒューリスティクスを提供する。
//
// Snapshot はパース済みのHTMLツリーを抽出アルゴリズムから隔離する。
// ライブのブラウザ環境に依存せず、取得済みHTML（ライブページのレンダリング結果
// またはフォールバック取得の生HTML）に対して同じ抽出ロジックを適用できる。
package page

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Snapshot はパース済みのページDOMとベースURLを保持する。
type Snapshot struct {
	doc     *goquery.Document
	baseURL *url.URL
}

// NewSnapshot はHTMLを読み込んでSnapshotを生成する。
// baseURLは相対URLの解決に使用する。
func NewSnapshot(r io.Reader, baseURL string) (*Snapshot, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ベースURLのパースに失敗しました: %w", err)
	}

	node, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("HTMLのパースに失敗しました: %w", err)
	}

	return &Snapshot{
		doc:     goquery.NewDocumentFromNode(node),
		baseURL: base,
	}, nil
}

// NewSnapshotFromString は文字列からSnapshotを生成する。
func NewSnapshotFromString(htmlBody, baseURL string) (*Snapshot, error) {
	return NewSnapshot(strings.NewReader(htmlBody), baseURL)
}

// URL はスナップショットのベースURL（絶対URL）を返す。
func (s *Snapshot) URL() string {
	return s.baseURL.String()
}

// Host はベースURLのホスト名を小文字で返す。
func (s *Snapshot) Host() string {
	return strings.ToLower(s.baseURL.Hostname())
}

// Resolve は相対URLをベースURLを基準に絶対URLへ解決する。
// 解決できない場合は空文字列を返す。
func (s *Snapshot) Resolve(rawRef string) string {
	rawRef = strings.TrimSpace(rawRef)
	if rawRef == "" {
		return ""
	}
	ref, err := url.Parse(rawRef)
	if err != nil {
		return ""
	}
	return s.baseURL.ResolveReference(ref).String()
}

// find はドキュメント全体からセレクタで要素を検索する。
func (s *Snapshot) find(selector string) *goquery.Selection {
	return s.doc.Find(selector)
}

// metaContent はmeta要素のcontent属性を返す。見つからない場合は空文字列。
func (s *Snapshot) metaContent(selector string) string {
	content, _ := s.find(selector).First().Attr("content")
	return strings.TrimSpace(content)
}

// cloneNode はHTMLノードをディープコピーする。
// ライブツリーを変更せずにボイラープレート除去を行うために使用する。
func cloneNode(n *html.Node) *html.Node {
	clone := &html.Node{
		Type:      n.Type,
		DataAtom:  n.DataAtom,
		Data:      n.Data,
		Namespace: n.Namespace,
	}
	if len(n.Attr) > 0 {
		clone.Attr = make([]html.Attribute, len(n.Attr))
		copy(clone.Attr, n.Attr)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		clone.AppendChild(cloneNode(c))
	}
	return clone
}

// cloneSelection はSelectionの先頭ノードをディープコピーし、
// 独立したドキュメントとして返す。元のツリーは変更されない。
func cloneSelection(sel *goquery.Selection) *goquery.Document {
	nodes := sel.Nodes
	if len(nodes) == 0 {
		return nil
	}
	return goquery.NewDocumentFromNode(cloneNode(nodes[0]))
}
