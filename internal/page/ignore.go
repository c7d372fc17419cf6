package page

import "strings"

// ignoredImagePatterns は収集対象から除外する画像URLのパターン。
// 絵文字スプライトや、プラットフォームが挿入する汎用プレースホルダーOG画像など、
// ページ内容を代表しない既知のアセットを弾く。
var ignoredImagePatterns = []string{
	// 絵文字・スプライト類
	"twemoji",
	"/emoji/",
	"emoji.php",
	"sprite",
	"spacer.gif",
	"blank.gif",
	"1x1.png",
	// 汎用ソーシャルカードのフォールバック画像
	"abs.twimg.com/responsive-web/client-web/icon",
	"abs.twimg.com/errors",
	"static.xx.fbcdn.net/rsrc.php",
	// 動画プラットフォームの汎用フォールバック
	"s.ytimg.com/yts/img/no_thumbnail",
	"i.ytimg.com/img/no_thumbnail",
	"p16-sign.tiktokcdn",
	// データURIのプレースホルダー
	"data:image/gif",
	"data:image/svg+xml;base64,phn2z",
}

// shouldIgnoreImage は画像URLが除外パターンに一致するかを判定する。
// 判定は大文字小文字を区別しない。
func shouldIgnoreImage(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, pattern := range ignoredImagePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// adDomains は動画収集から除外する広告配信・広告SDKドメイン。
var adDomains = []string{
	"doubleclick.net",
	"googlesyndication.com",
	"googleadservices.com",
	"adservice.google.com",
	"ads.tiktok.com",
	"amazon-adsystem.com",
	"imasdk.googleapis.com",
}

// isAdVideoURL は動画URLが広告配信ドメインのものかを判定する。
func isAdVideoURL(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, domain := range adDomains {
		if strings.Contains(lower, domain) {
			return true
		}
	}
	return false
}

// shortVideoHosts は動画の収集上限を引き上げる（4件）ショート動画ホスト。
// それ以外のホストでは1件に制限する。
var shortVideoHosts = []string{
	"tiktok.com",
	"douyin.com",
	"instagram.com",
}

// isShortVideoHost はホストがショート動画プラットフォームかを判定する。
func isShortVideoHost(host string) bool {
	for _, h := range shortVideoHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// placeholderLeadingImageHosts は先頭に内容を代表しないプレースホルダー画像を
// 挿入することが知られているソーシャルホスト。収集結果の先頭1件を破棄する。
var placeholderLeadingImageHosts = []string{
	"twitter.com",
	"x.com",
	"tiktok.com",
}

// dropsLeadingImage はホストが先頭画像の破棄対象かを判定する。
func dropsLeadingImage(host string) bool {
	for _, h := range placeholderLeadingImageHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}
