//go:build linux || darwin

package evloop

import (
	"golang.org/x/sys/unix"
)

// ioRegistration is a single fd's readiness interest.
type ioRegistration struct {
	cb      func(IOEvents)
	fd      int
	events  IOEvents
	oneShot bool
}

// poller multiplexes fd readiness through poll(2). It is owned by the
// loop goroutine: registration from foreign goroutines is routed in via
// Dispatch before it touches these structures.
type poller struct {
	regs  map[int]*ioRegistration
	fds   []unix.PollFd
	dirty bool
}

func (p *poller) init() {
	p.regs = make(map[int]*ioRegistration)
}

func (p *poller) register(fd int, events IOEvents, oneShot bool, cb func(IOEvents)) error {
	if fd < 0 {
		return ErrInvalidFd
	}
	if _, exists := p.regs[fd]; exists {
		return ErrFdRegistered
	}
	p.regs[fd] = &ioRegistration{fd: fd, events: events, oneShot: oneShot, cb: cb}
	p.dirty = true
	return nil
}

func (p *poller) unregister(fd int) {
	if _, exists := p.regs[fd]; exists {
		delete(p.regs, fd)
		p.dirty = true
	}
}

func (p *poller) rebuild() {
	p.fds = p.fds[:0]
	for _, reg := range p.regs {
		var ev int16
		if reg.events&EventRead != 0 {
			ev |= unix.POLLIN
		}
		if reg.events&EventWrite != 0 {
			ev |= unix.POLLOUT
		}
		p.fds = append(p.fds, unix.PollFd{Fd: int32(reg.fd), Events: ev})
	}
	p.dirty = false
}

// poll blocks up to timeoutMs (-1 blocks indefinitely, 0 returns
// immediately) and invokes the callbacks of every ready registration.
// One-shot registrations are removed before their callback runs, so a
// callback may re-register the same fd.
func (p *poller) poll(timeoutMs int) (int, error) {
	if p.dirty {
		p.rebuild()
	}
	if len(p.fds) == 0 && timeoutMs == 0 {
		return 0, nil
	}

	n, err := unix.Poll(p.fds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	// Collect first: callbacks may mutate the registration table.
	type firing struct {
		reg   *ioRegistration
		ready IOEvents
	}
	var pending []firing
	for i := range p.fds {
		re := p.fds[i].Revents
		if re == 0 {
			continue
		}
		reg, exists := p.regs[int(p.fds[i].Fd)]
		if !exists {
			continue
		}
		var ready IOEvents
		if re&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 && reg.events&EventRead != 0 {
			ready |= EventRead
		}
		if re&(unix.POLLOUT|unix.POLLERR) != 0 && reg.events&EventWrite != 0 {
			ready |= EventWrite
		}
		if ready == 0 {
			continue
		}
		pending = append(pending, firing{reg: reg, ready: ready})
	}

	for _, f := range pending {
		if f.reg.oneShot {
			p.unregister(f.reg.fd)
		}
		f.reg.cb(f.ready)
	}

	return len(pending), nil
}
