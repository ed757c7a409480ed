package frameparser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParserChunking(t *testing.T) {
	chunks := []string{
		"<add>0A<id>00<OneWir<!connected:sen",
		"sor>eTem<!spaced message>pSensor>01<address>28C80E" + "9A0300009C\n",
		"34234<!connected:mess<!interrupt>age>\n",
	}

	p := New()
	var events, data []string
	for _, c := range chunks {
		p.Push([]byte(c))
		events = append(events, p.Events()...)
		data = append(data, p.Data()...)
	}

	assert.Equal(t, []string{
		"connected:sensor",
		"spaced message",
		"interrupt",
		"connected:message",
	}, events)

	assert.Equal(t, []string{
		"0A000128C80E9A0300009C",
		"34234",
	}, data)
}

func TestParserAtomicVsChunked(t *testing.T) {
	full := "<add>0A<id>00<OneWir<!connected:sensor>eTem<!spaced message>pSensor>01<address>28C80E9A0300009C\n" +
		"34234<!connected:mess<!interrupt>age>\n"

	chunked := New()
	for _, b := range []byte(full) {
		chunked.Push([]byte{b})
	}

	atomic := New()
	atomic.Push([]byte(full))

	require.Equal(t, atomic.Events(), chunked.Events())
	require.Equal(t, atomic.Data(), chunked.Data())
}

func TestParserNoSpinOnMalformedInput(t *testing.T) {
	p := New()
	done := make(chan struct{})
	go func() {
		p.Push([]byte("<<<<<<<<<<<<<<<<<<<<<<<<<<<<<<"))
		close(done)
	}()
	select {
	case <-done:
	default:
	}
	<-done
}

func TestParserLogLineDropped(t *testing.T) {
	p := New()
	p.Push([]byte("<just a log line>\n"))
	assert.Empty(t, p.Events())
	assert.Equal(t, []string{""}, p.Data())
}

func TestParserRetainsIncompleteBuffer(t *testing.T) {
	p := New()
	p.Push([]byte("<!partial"))
	assert.Empty(t, p.Events())
	assert.Empty(t, p.Data())
	p.Push([]byte(" event>\n"))
	assert.Equal(t, []string{"partial event"}, p.Events())
	assert.Equal(t, []string{""}, p.Data())
}
