package logger

import (
	"bytes"
	"log"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuietSuppressesInfoOnly(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	flags := log.Flags()
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(os.Stderr)
		log.SetFlags(flags)
		Quiet = false
	})

	Quiet = true
	Info("hidden %d", 1)
	Error("shown %d", 2)

	assert.Equal(t, "gaugewatch: shown 2\n", buf.String())

	buf.Reset()
	Quiet = false
	Info("visible")
	assert.Equal(t, "gaugewatch: visible\n", buf.String())
}
