package download

// Callback receives lifecycle notifications for one download. Methods are
// invoked from worker and monitor goroutines and must not block for long.
type Callback interface {
	OnStart(id int64)
	OnPause(id int64)
	OnResume(id int64)
	OnProgress(id int64, downloaded, total int64, percent float64)
	OnCompleted(id int64)
	OnFailed(id int64, msg string)
	OnCancelled(id int64)
}

// NopCallback can be embedded to implement only the notifications of interest.
type NopCallback struct{}

func (NopCallback) OnStart(int64) {}
func (NopCallback) OnPause(int64) {}
func (NopCallback) OnResume(int64) {}
func (NopCallback) OnProgress(int64, int64, int64, float64) {}
func (NopCallback) OnCompleted(int64) {}
func (NopCallback) OnFailed(int64, string) {}
func (NopCallback) OnCancelled(int64) {}

// MultiCallback fans every notification out to each sink in order.
type MultiCallback []Callback

func (m MultiCallback) OnStart(id int64) {
	for _, cb := range m {
		cb.OnStart(id)
	}
}

func (m MultiCallback) OnPause(id int64) {
	for _, cb := range m {
		cb.OnPause(id)
	}
}

func (m MultiCallback) OnResume(id int64) {
	for _, cb := range m {
		cb.OnResume(id)
	}
}

func (m MultiCallback) OnProgress(id int64, downloaded, total int64, percent float64) {
	for _, cb := range m {
		cb.OnProgress(id, downloaded, total, percent)
	}
}

func (m MultiCallback) OnCompleted(id int64) {
	for _, cb := range m {
		cb.OnCompleted(id)
	}
}

func (m MultiCallback) OnFailed(id int64, msg string) {
	for _, cb := range m {
		cb.OnFailed(id, msg)
	}
}

func (m MultiCallback) OnCancelled(id int64) {
	for _, cb := range m {
		cb.OnCancelled(id)
	}
}
