package chmux

// registry maps channel names to subscriptions and remembers insertion order
// for resubscription. Guarded by Client.mu.
type registry struct {
	subs  map[string]*Subscription
	order []string
}

func newRegistry() *registry {
	return &registry{subs: make(map[string]*Subscription)}
}

func (r *registry) get(channel string) (*Subscription, bool) {
	sub, ok := r.subs[channel]
	return sub, ok
}

func (r *registry) add(sub *Subscription) {
	r.subs[sub.channel] = sub
	r.order = append(r.order, sub.channel)
}

func (r *registry) remove(channel string) {
	if _, ok := r.subs[channel]; !ok {
		return
	}
	delete(r.subs, channel)
	for i, ch := range r.order {
		if ch == channel {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// ordered returns the subscriptions in insertion order.
func (r *registry) ordered() []*Subscription {
	subs := make([]*Subscription, 0, len(r.order))
	for _, ch := range r.order {
		subs = append(subs, r.subs[ch])
	}
	return subs
}

// drain empties the registry and returns what it held, in insertion order.
func (r *registry) drain() []*Subscription {
	subs := r.ordered()
	r.subs = make(map[string]*Subscription)
	r.order = nil
	return subs
}

func (r *registry) len() int { return len(r.subs) }
