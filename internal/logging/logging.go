package logging

import (
	"io"
	"log"
	"os"
)

const prefix = "chibichonk "

func New() *log.Logger {
	return NewWithWriter(os.Stdout)
}

func NewWithWriter(w io.Writer) *log.Logger {
	return log.New(w, prefix, log.LstdFlags|log.LUTC)
}

// ForDevice derives a logger whose lines are tagged with the device name.
func ForDevice(base *log.Logger, name string) *log.Logger {
	if base == nil {
		return Discard()
	}
	return log.New(base.Writer(), base.Prefix()+"["+name+"] ", base.Flags())
}

func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
