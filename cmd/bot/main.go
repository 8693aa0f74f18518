package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"crawlparty.io/internal/protocol"
	"crawlparty.io/internal/sim/world"
)

func main() {
	var (
		url       = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name      = flag.String("name", "bot", "name prefix")
		n         = flag.Int("n", 2, "number of bots")
		sessionID = flag.String("session", "", "join this session instead of creating one")
		accessKey = flag.String("access_key", "", "server access key, if required")
		k         = flag.Int("k", 0, "actions per round for a new session (0 = server default)")
		conflict  = flag.String("conflict", "", "conflict policy for a new session")
		think     = flag.Duration("think", 300*time.Millisecond, "delay before each action")
		duration  = flag.Duration("duration", 0, "stop after this long (0 = until interrupted)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if *duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	party := newParty(*n)
	if *sessionID != "" {
		party.publish(*sessionID)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *n; i++ {
		b := &bot{
			name:      fmt.Sprintf("%s-%d", *name, i+1),
			url:       *url,
			accessKey: *accessKey,
			think:     *think,
			rng:       rand.New(rand.NewSource(time.Now().UnixNano() + int64(i))),
			party:     party,
			creator:   i == 0 && *sessionID == "",
			k:         *k,
			conflict:  *conflict,
			entities:  map[string]world.Entity{},
		}
		b.logger = log.New(logger.Writer(), fmt.Sprintf("[bot %s] ", b.name), logger.Flags())
		g.Go(func() error { return b.run(gctx) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		logger.Fatalf("%v", err)
	}
}

// party lets the creator hand the session id to the other bots.
type party struct {
	want  int
	once  sync.Once
	ready chan struct{}
	id    string
}

func newParty(want int) *party {
	return &party{want: want, ready: make(chan struct{})}
}

func (p *party) publish(id string) {
	p.once.Do(func() {
		p.id = id
		close(p.ready)
	})
}

func (p *party) sessionID(ctx context.Context) (string, error) {
	select {
	case <-p.ready:
		return p.id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type bot struct {
	name      string
	url       string
	accessKey string
	think     time.Duration
	rng       *rand.Rand
	party     *party
	creator   bool
	k         int
	conflict  string
	logger    *log.Logger

	conn     *websocket.Conn
	entityID string
	pid      string
	host     bool
	paused   bool
	started  bool
	entities map[string]world.Entity
}

func (b *bot) run(ctx context.Context) error {
	hello := protocol.HelloData{Name: b.name, AccessKey: b.accessKey}
	if b.creator {
		hello.Op = protocol.HelloCreate
		hello.ActionsPerRound = b.k
		hello.ConflictPolicy = b.conflict
	} else {
		id, err := b.party.sessionID(ctx)
		if err != nil {
			return err
		}
		hello.Op = protocol.HelloJoin
		hello.SessionID = id
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return fmt.Errorf("%s: dial: %w", b.name, err)
	}
	b.conn = conn
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	if err := b.send(protocol.TypeHello, hello); err != nil {
		return fmt.Errorf("%s: hello: %w", b.name, err)
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%s: read: %w", b.name, err)
		}
		env, err := protocol.DecodeEnvelope(msg)
		if err != nil {
			continue
		}
		done, err := b.handle(env)
		if err != nil {
			return fmt.Errorf("%s: %w", b.name, err)
		}
		if done {
			return nil
		}
	}
}

func (b *bot) send(typ string, data any) error {
	frame, err := protocol.Encode(typ, time.Now(), data)
	if err != nil {
		return err
	}
	return b.conn.WriteMessage(websocket.TextMessage, frame)
}

func (b *bot) handle(env protocol.Envelope) (bool, error) {
	switch env.Type {
	case protocol.TypeSystem:
		var sys protocol.SystemData
		if err := protocol.DecodeData(env, &sys); err != nil {
			return false, nil
		}
		return b.onSystem(sys)

	case protocol.TypeState:
		var st protocol.StateData
		if err := protocol.DecodeData(env, &st); err != nil {
			return false, nil
		}
		b.paused = st.Paused
		b.entities = make(map[string]world.Entity, len(st.Entities))
		for _, e := range st.Entities {
			b.entities[e.ID] = e
		}
		if len(st.Participants) >= b.party.want && st.Status == "lobby" {
			return false, b.tryStart()
		}
		return false, nil

	case protocol.TypeDelta:
		var d protocol.DeltaData
		if err := protocol.DecodeData(env, &d); err != nil {
			return false, nil
		}
		b.apply(d.Changes)
		// One action in flight per bot: the next goes out once the last
		// one is committed.
		if d.Kind == string(world.DeltaAction) && d.Origin == b.pid {
			return false, b.maybeAct()
		}
	}
	return false, nil
}

func (b *bot) onSystem(sys protocol.SystemData) (bool, error) {
	switch sys.Event {
	case protocol.EventWelcome:
		b.pid, b.entityID = sys.ParticipantID, sys.EntityID
		b.logger.Printf("joined session %s as %s (entity %s)", sys.SessionID, b.pid, b.entityID)
		if b.creator {
			b.host = true
			b.party.publish(sys.SessionID)
			return false, nil
		}
		ready := true
		return false, b.send(protocol.TypeControl, protocol.ControlData{Op: protocol.ControlReady, Ready: &ready})
	case protocol.EventHostChanged:
		b.host = sys.ParticipantID == b.pid
		return false, b.tryStart()
	case protocol.EventReady:
		return false, b.tryStart()
	case protocol.EventStarted:
		b.started = true
		b.logger.Printf("session started")
		return false, b.maybeAct()
	case protocol.EventPaused:
		b.paused = true
	case protocol.EventResumed:
		b.paused = false
		return false, b.maybeAct()
	case protocol.EventRejected:
		b.logger.Printf("rejected: %s %s", sys.Code, sys.Message)
		return false, b.maybeAct()
	case protocol.EventError:
		b.logger.Printf("error: %s %s", sys.Code, sys.Message)
	case protocol.EventDisbanded, protocol.EventTerminated, protocol.EventWiped:
		b.logger.Printf("session over: %s", sys.Message)
		return true, nil
	}
	return false, nil
}

// tryStart asks to start the session; the server answers E_NOT_READY until
// every participant is ready, and the host retries on the next ready change.
func (b *bot) tryStart() error {
	if !b.host || b.started {
		return nil
	}
	return b.send(protocol.TypeControl, protocol.ControlData{Op: protocol.ControlStart})
}

func (b *bot) apply(changes []world.Change) {
	for _, c := range changes {
		switch c.Op {
		case world.OpSpawn:
			if c.Spawn != nil {
				b.entities[c.Spawn.ID] = *c.Spawn
			}
		case world.OpDespawn:
			delete(b.entities, c.Entity)
		case world.OpMove:
			if e, ok := b.entities[c.Entity]; ok && c.Pos != nil {
				e.Pos = *c.Pos
				b.entities[c.Entity] = e
			}
		case world.OpHP:
			if e, ok := b.entities[c.Entity]; ok {
				e.HP = c.Value
				b.entities[c.Entity] = e
			}
		}
	}
}

var steps = []world.Pos{{X: 1}, {X: -1}, {Y: 1}, {Y: -1}}

// maybeAct submits one action for the bot's hero: attack an adjacent monster,
// mine adjacent ore, otherwise step in a random direction.
func (b *bot) maybeAct() error {
	if !b.started || b.paused {
		return nil
	}
	self, ok := b.entities[b.entityID]
	if !ok || self.HP <= 0 {
		return nil
	}
	time.Sleep(b.think)

	act := world.Action(world.Wait{ActorID: self.ID})
	for _, e := range b.entities {
		if adjacent(self.Pos, e.Pos) {
			if e.Kind == world.KindMonster && e.HP > 0 {
				act = world.Attack{ActorID: self.ID, TargetID: e.ID}
				break
			}
			if e.Kind == world.KindOre && e.Remaining > 0 {
				act = world.Mine{ActorID: self.ID, TargetID: e.ID}
			}
		}
	}
	if _, waiting := act.(world.Wait); waiting && b.rng.Intn(4) != 0 {
		d := steps[b.rng.Intn(len(steps))]
		act = world.Move{ActorID: self.ID, To: world.Pos{X: self.Pos.X + d.X, Y: self.Pos.Y + d.Y}}
	}
	return b.send(protocol.TypeAction, protocol.EncodeAction(act))
}

func adjacent(a, b world.Pos) bool {
	dx, dy := a.X-b.X, a.Y-b.Y
	return dx*dx+dy*dy == 1
}
