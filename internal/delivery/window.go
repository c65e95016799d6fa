package delivery

// Window is a preferred delivery time range, "HH:MM" local time.
type Window struct {
	Start string
	End   string
}

var slots = map[string]Window{
	"09:00-12:00": {Start: "09:00", End: "12:00"},
	"12:00-15:00": {Start: "12:00", End: "15:00"},
	"15:00-18:00": {Start: "15:00", End: "18:00"},
	"18:00-21:00": {Start: "18:00", End: "21:00"},
}

// ParseWindow maps a slot label to its window. Unknown or empty slots leave the
// order without a preferred window.
func ParseWindow(slot string) (Window, bool) {
	w, ok := slots[slot]
	return w, ok
}
