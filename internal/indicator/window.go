package indicator

import "futuresbot/internal/models"

// Window - кольцевой буфер закрытых баров фиксированной ёмкости.
// При переполнении вытесняется самый старый бар.
type Window struct {
	buf   []models.Bar
	start int
	size  int
}

// NewWindow создаёт окно ёмкостью capacity (минимум 1)
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{buf: make([]models.Bar, capacity)}
}

// Push добавляет бар в конец окна
func (w *Window) Push(b models.Bar) {
	if w.size < len(w.buf) {
		w.buf[(w.start+w.size)%len(w.buf)] = b
		w.size++
		return
	}
	w.buf[w.start] = b
	w.start = (w.start + 1) % len(w.buf)
}

// Len возвращает количество баров в окне
func (w *Window) Len() int {
	return w.size
}

// Cap возвращает ёмкость окна
func (w *Window) Cap() int {
	return len(w.buf)
}

// Last возвращает последний бар
func (w *Window) Last() (models.Bar, bool) {
	if w.size == 0 {
		return models.Bar{}, false
	}
	return w.buf[(w.start+w.size-1)%len(w.buf)], true
}

// Bars возвращает копию содержимого окна от старого к новому
func (w *Window) Bars() []models.Bar {
	out := make([]models.Bar, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}

// Reset очищает окно
func (w *Window) Reset() {
	w.start = 0
	w.size = 0
}
