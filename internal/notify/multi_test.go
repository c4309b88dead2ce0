package notify

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeNotifier struct {
	id       uint32
	err      error
	closeErr error
	notified bool
	closed   bool
}

func (f *fakeNotifier) Notify(Notification) (uint32, error) {
	f.notified = true
	return f.id, f.err
}

func (f *fakeNotifier) Close(uint32) error {
	f.closed = true
	return f.closeErr
}

func TestMulti_Notify_FansOutToAll(t *testing.T) {
	a := &fakeNotifier{id: 1}
	b := &fakeNotifier{id: 2}
	m := Multi{a, b}

	id, err := m.Notify(Notification{Title: "x"})
	assert.NoError(t, err)
	assert.Equal(t, uint32(1), id)
	assert.True(t, a.notified)
	assert.True(t, b.notified)
}

func TestMulti_Notify_ReturnsFirstErrorButTriesAll(t *testing.T) {
	a := &fakeNotifier{err: errors.New("dbus unavailable")}
	b := &fakeNotifier{id: 5}
	m := Multi{a, b}

	id, err := m.Notify(Notification{Title: "x"})
	assert.EqualError(t, err, "dbus unavailable")
	assert.Equal(t, uint32(5), id)
	assert.True(t, b.notified)
}

func TestMulti_Close_ClosesAllBackends(t *testing.T) {
	a := &fakeNotifier{}
	b := &fakeNotifier{closeErr: errors.New("already gone")}
	m := Multi{a, b}

	err := m.Close(1)
	assert.EqualError(t, err, "already gone")
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}
