// Package mocks provides testify mocks for the transport interfaces.
package mocks

import (
	"time"

	"github.com/stretchr/testify/mock"
)

// Transport is a mock for the transport.Transport interface.
type Transport struct {
	mock.Mock
}

// Read provides a mock function with given fields: p
func (m *Transport) Read(p []byte) (int, error) {
	ret := m.Called(p)

	var r0 int
	if rf, ok := ret.Get(0).(func([]byte) int); ok {
		r0 = rf(p)
	} else {
		r0 = ret.Get(0).(int)
	}
	return r0, ret.Error(1)
}

// Write provides a mock function with given fields: p
func (m *Transport) Write(p []byte) (int, error) {
	ret := m.Called(p)

	var r0 int
	if rf, ok := ret.Get(0).(func([]byte) int); ok {
		r0 = rf(p)
	} else {
		r0 = ret.Get(0).(int)
	}
	return r0, ret.Error(1)
}

// Close provides a mock function with given fields:
func (m *Transport) Close() error {
	ret := m.Called()
	return ret.Error(0)
}

// SetReadTimeout provides a mock function with given fields: d
func (m *Transport) SetReadTimeout(d time.Duration) error {
	ret := m.Called(d)
	return ret.Error(0)
}

// SetWriteTimeout provides a mock function with given fields: d
func (m *Transport) SetWriteTimeout(d time.Duration) error {
	ret := m.Called(d)
	return ret.Error(0)
}
