// SPDX-License-Identifier: GPL-3.0-or-later

package ioengine

import "net/netip"

// NewTargetFunc returns a [Func] that always returns the given [netip.AddrPort].
//
// This is a convenience wrapper around [ConstFunc] for the common case of
// injecting a connect target into a pipeline.
func NewTargetFunc(target netip.AddrPort) Func[Unit, netip.AddrPort] {
	return ConstFunc(target)
}
