package collab

// dispatcher 维护一个 session 的订阅者集合，全部方法在 session 锁内调用。
// 一个参与者同一时刻只有一个订阅者，重连时新的替换旧的。
type dispatcher struct {
	// participantID -> subscriber
	subs map[string]Subscriber
}

func newDispatcher() *dispatcher {
	return &dispatcher{subs: make(map[string]Subscriber)}
}

// attach 挂上订阅者，返回被替换掉的旧订阅者
func (d *dispatcher) attach(sub Subscriber) Subscriber {
	id := sub.ParticipantID()
	old := d.subs[id]
	d.subs[id] = sub
	if old == sub {
		return nil
	}
	return old
}

func (d *dispatcher) detach(participantID string) Subscriber {
	sub := d.subs[participantID]
	delete(d.subs, participantID)
	return sub
}

func (d *dispatcher) get(participantID string) Subscriber {
	return d.subs[participantID]
}

func (d *dispatcher) len() int {
	return len(d.subs)
}

// publish 非阻塞投递，返回队列已满的参与者
func (d *dispatcher) publish(ev Event, except string) []string {
	var overflowed []string
	for id, sub := range d.subs {
		if id == except {
			continue
		}
		if !sub.Deliver(ev) {
			overflowed = append(overflowed, id)
		}
	}
	if len(overflowed) > 0 {
		broadcastOverflows.Add(float64(len(overflowed)))
	}
	return overflowed
}

// publishOperation 作者收到 ack，其他人收到 operation
func (d *dispatcher) publishOperation(op *AcceptedOperation) []string {
	var overflowed []string
	for id, sub := range d.subs {
		kind := EventOperation
		if id == op.Operation.Author {
			kind = EventAck
		}
		if !sub.Deliver(Event{Kind: kind, SessionID: op.SessionID, Operation: op}) {
			overflowed = append(overflowed, id)
		}
	}
	if len(overflowed) > 0 {
		broadcastOverflows.Add(float64(len(overflowed)))
	}
	return overflowed
}

// closeAll 发出最后一条事件后关闭并清空所有订阅者
func (d *dispatcher) closeAll(last Event, reason error) {
	for id, sub := range d.subs {
		sub.Deliver(last)
		sub.Close(reason)
		delete(d.subs, id)
	}
}
