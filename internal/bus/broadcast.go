package bus

import "sync"

// Event は購読者に配信される進捗イベント。
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Broadcaster は進捗イベントを全購読者に配信する。
// クリップの進捗表示やビュー移行のカウントダウンに使う。
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewBroadcaster はBroadcasterを生成する。
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Event]struct{})}
}

// Subscribe は購読チャネルを登録して返す。
// 返り値の解除関数を呼ぶとチャネルはクローズされる。
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	once := sync.Once{}
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsubscribe
}

// Publish はイベントを全購読者に配信する。
// バッファが埋まっている購読者はスキップする（配信は最善努力）。
func (b *Broadcaster) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
