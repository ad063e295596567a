//go:build linux

package sendengine

import "golang.org/x/sys/unix"

// DefaultSocketTagger is the Go analogue of the original's resolv_tag_socket/setsockopt(SO_MARK)
// pair: pass it to WithSocketControl and every outbound UDP/TCP socket gets SO_MARK applied with
// whatever mark the caller passed in to Send, before the socket connects. A mark of 0 is a no-op,
// matching the original's treatment of an absent fwmark.
//
// SO_MARK doesn't exist outside Linux, so this file only builds for linux; callers on other
// platforms supply their own WithSocketControl hook, or none at all.
func DefaultSocketTagger(network, address string, mark uint32, fd uintptr) error {
	if mark == 0 {
		return nil
	}
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, int(mark))
}
