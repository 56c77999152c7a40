// Package host implements the privileged side of the messaging bridge: it
// relays sendMessage calls between extensions, tracks content-script
// connections and probes runtimes with control queries.
package host

// Observer receives host activity, typically for metrics.
type Observer interface {
	Routed(err error)
	Probed(kind string, err error)
	Connected(activeExtensions int)
}

type nopObserver struct{}

func (nopObserver) Routed(error)         {}
func (nopObserver) Probed(string, error) {}
func (nopObserver) Connected(int)        {}

func observerOrNop(o Observer) Observer {
	if o == nil {
		return nopObserver{}
	}
	return o
}
