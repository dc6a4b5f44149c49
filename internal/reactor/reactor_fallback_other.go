//go:build !linux

package reactor

func newPreferred() (Reactor, error) {
	return newPoll()
}
