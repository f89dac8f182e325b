package broker

import (
	"bufio"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/habycr/memprof/cmn"
)

const maxAcceptRetries = 10

// Broker is the pub/sub server of spec.md §4.G. All mutations of
// subscribers/queues/liveSockets are serialized under one mutex held
// briefly, including the socket write performed inside Publish, trading
// peak throughput for guaranteed line-framing correctness (spec.md §4.G
// "Concurrency model").
type Broker struct {
	mu          sync.Mutex
	subscribers map[string]map[string]bool        // topic -> appId set
	queues      map[string]map[string][][]byte    // topic -> appId -> FIFO
	liveSockets map[string]net.Conn               // appId -> socket
	sessions    map[string]*liveSession           // appId -> idle tracker
	idleTimeout time.Duration

	ln net.Listener
}

// New returns an empty Broker. idleTimeout governs the idle-pruning
// supplement (SPEC_FULL §3); pass 0 for the default (2 minutes).
func New(idleTimeout time.Duration) *Broker {
	return &Broker{
		subscribers: make(map[string]map[string]bool),
		queues:      make(map[string]map[string][][]byte),
		liveSockets: make(map[string]net.Conn),
		sessions:    make(map[string]*liveSession),
		idleTimeout: idleTimeout,
	}
}

// Serve accepts connections on ln until it is closed, running one
// connection loop per client. Grounded on ais/target.go's Run() retry
// style: transient accept errors are logged and retried up to a bound
// rather than aborting the whole server on a single hiccup.
func (b *Broker) Serve(ln net.Listener) error {
	b.ln = ln
	retries := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			if isTemporary(err) && retries < maxAcceptRetries {
				retries++
				glog.Errorf("broker: accept error, retrying: %v", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return err
		}
		retries = 0
		go b.handleConn(conn)
	}
}

func isTemporary(err error) bool {
	type temporary interface{ Temporary() bool }
	te, ok := err.(temporary)
	return ok && te.Temporary()
}

// Stop closes the listener; accepted connections are torn down as their
// reads observe EOF (spec.md §5 "Cancellation & shutdown").
func (b *Broker) Stop() {
	if b.ln != nil {
		_ = b.ln.Close()
	}
}

func (b *Broker) handleConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		reply, appID := b.dispatch(parseLine(scanner.Text()), conn)
		if appID != "" {
			b.registerLiveLocked(appID, conn)
		}
		if _, err := conn.Write([]byte(reply)); err != nil {
			break
		}
	}
	b.removeSocket(conn)
}

// registerLiveLocked installs conn as the most-recent socket for appID,
// silently replacing any prior mapping (spec.md §4.G live_sockets policy).
func (b *Broker) registerLiveLocked(appID string, conn net.Conn) {
	b.mu.Lock()
	b.liveSockets[appID] = conn
	sess, ok := b.sessions[appID]
	if !ok {
		sess = newLiveSession(appID, b.idleTimeout)
		b.sessions[appID] = sess
		go b.watchIdle(appID, sess)
	}
	sess.touch()
	b.mu.Unlock()
}

// watchIdle drops a session's live_sockets entry once its idle timer
// fires, without touching its subscriptions or queued messages (SPEC_FULL
// §3 supplemented feature).
func (b *Broker) watchIdle(appID string, sess *liveSession) {
	<-sess.IdleTimer()
	b.mu.Lock()
	if b.sessions[appID] == sess {
		delete(b.liveSockets, appID)
		delete(b.sessions, appID)
	}
	b.mu.Unlock()
}

// removeSocket implements spec.md §4.G's disconnect rule: remove the
// socket from live_sockets by equality across all entries, but retain
// subscribers and queued messages.
func (b *Broker) removeSocket(conn net.Conn) {
	b.mu.Lock()
	for appID, c := range b.liveSockets {
		if sameConn(c, conn) {
			delete(b.liveSockets, appID)
			if sess, ok := b.sessions[appID]; ok {
				sess.stop()
				delete(b.sessions, appID)
			}
		}
	}
	b.mu.Unlock()
}

// dispatch executes one parsed command and returns the reply line to write
// back, plus the appId that issued it (for live_sockets bookkeeping; empty
// if the command carried none).
func (b *Broker) dispatch(c command, conn net.Conn) (reply, appID string) {
	if IsKnownTopic(c.name) {
		// Topic shortcut (spec.md §4.G): treat as PUBLISH to c.name.
		appID = lastField(c.raw)
		reply = b.publish(c.name, shortcutPayload(c), appID, conn)
		return reply, appID
	}

	switch c.name {
	case CmdSubscribe:
		if len(c.fields) < 2 {
			return replyError("malformed SUBSCRIBE"), ""
		}
		topic, appID := c.fields[0], c.fields[1]
		b.subscribe(topic, appID)
		return replyOK(), appID
	case CmdUnsubscribe:
		if len(c.fields) < 2 {
			return replyError("malformed UNSUBSCRIBE"), ""
		}
		topic, appID := c.fields[0], c.fields[1]
		b.unsubscribe(topic, appID)
		return replyOK(), appID
	case CmdPublish:
		if len(c.fields) < 3 {
			return replyError("malformed PUBLISH"), ""
		}
		topic, payload, appID := c.fields[0], c.fields[1], c.fields[2]
		return b.publish(topic, payload, appID, conn), appID
	case CmdReceive:
		if len(c.fields) < 2 {
			return replyError("malformed RECEIVE"), ""
		}
		topic, appID := c.fields[0], c.fields[1]
		payload, ok := b.receive(topic, appID)
		if !ok {
			return replyError("queue empty"), appID
		}
		return replyOKMsg(payload), appID
	default:
		return replyError("unknown command"), ""
	}
}

func lastField(fields []string) string {
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

func (b *Broker) subscribe(topic, appID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subscribers[topic]
	if !ok {
		set = make(map[string]bool)
		b.subscribers[topic] = set
	}
	set[appID] = true
	if _, ok := b.queues[topic]; !ok {
		b.queues[topic] = make(map[string][][]byte)
	}
	if _, ok := b.queues[topic][appID]; !ok {
		b.queues[topic][appID] = nil
	}
}

func (b *Broker) unsubscribe(topic, appID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subscribers[topic]; ok {
		delete(set, appID)
	}
}

// publish implements spec.md §4.G's PUBLISH routing rules: append to every
// subscriber's queue, fire-and-forget to any live socket, and report
// pushed/queued_for counts. If there are no subscribers, reply with an
// error while leaving the connection open (spec.md §8 scenario 5).
func (b *Broker) publish(topic, payload, appID string, from net.Conn) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.subscribers[topic]
	queuedFor := len(set)
	if queuedFor == 0 {
		return replyError("no subscribers for topic")
	}

	pushed := 0
	for subAppID := range set {
		q := b.queues[topic]
		if q == nil {
			q = make(map[string][][]byte)
			b.queues[topic] = q
		}
		q[subAppID] = append(q[subAppID], []byte(payload))

		if conn, ok := b.liveSockets[subAppID]; ok {
			line := "OK|" + cmn.PercentEncode(payload) + "\n"
			if _, err := conn.Write([]byte(line)); err == nil {
				pushed++
			}
		}
	}
	_ = from
	return replyOKMsg(countsMsg(pushed, queuedFor))
}

func countsMsg(pushed, queuedFor int) string {
	return "pushed=" + strconv.Itoa(pushed) + ",queued_for=" + strconv.Itoa(queuedFor)
}

// receive pops the oldest queued payload for (topic, appId), if any.
func (b *Broker) receive(topic, appID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[topic]
	if !ok {
		return "", false
	}
	fifo := q[appID]
	if len(fifo) == 0 {
		return "", false
	}
	payload := fifo[0]
	q[appID] = fifo[1:]
	return string(payload), true
}
