package ldapreplicator

import "github.com/block/ldapreplicator/pkg/controller"

// Observer receives the replicator's emitted signals (spec §4.7 "Emitted
// events"): connect, poll, caughtup(url, changenumber), error(err), destroy.
type Observer = controller.Observer

// NopObserver is the default Observer when none is supplied: it discards
// every signal.
type NopObserver struct{}

func (NopObserver) OnConnect()                     {}
func (NopObserver) OnPoll()                         {}
func (NopObserver) OnCaughtUp(url string, cn int64) {}
func (NopObserver) OnError(err error)               {}
func (NopObserver) OnDestroy()                      {}
