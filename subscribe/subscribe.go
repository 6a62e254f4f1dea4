package subscribe

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/queue"
)

// ErrServerShuttingDown is an error returned in case the server is in the
// process of shutting down.
var ErrServerShuttingDown = errors.New("subscription server shutting down")

// DefaultQueueSize is the initial buffer of every client queue. The queue
// grows past it, so a slow client never blocks the server.
const DefaultQueueSize = 20

// Client is used to get notified about updates the caller has subscribed to.
type Client[T any] struct {
	id uint64

	// cancel should be called in case the client no longer wants to
	// subscribe for updates from the server.
	cancel func()

	queue   *queue.ConcurrentQueue
	updates chan T

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// Updates returns a read-only channel where the updates the client has
// subscribed to will be delivered.
func (c *Client[T]) Updates() <-chan T {
	return c.updates
}

// Quit is a channel that will be closed in case the server decides to no
// longer deliver updates to this client.
func (c *Client[T]) Quit() <-chan struct{} {
	return c.quit
}

// Cancel should be called in case the client no longer wants to subscribe
// for updates from the server.
func (c *Client[T]) Cancel() {
	c.cancel()
}

// start runs the client's queue and the goroutine that hands its items out
// typed.
func (c *Client[T]) start() {
	c.queue.Start()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		for {
			select {
			case item, ok := <-c.queue.ChanOut():
				if !ok {
					return
				}

				select {
				case c.updates <- item.(T):
				case <-c.quit:
					return
				}

			case <-c.quit:
				return
			}
		}
	}()
}

// stop closes the quit channel and drops undelivered updates.
func (c *Client[T]) stop() {
	c.quitOnce.Do(func() {
		close(c.quit)
	})
	c.queue.Stop()
	c.wg.Wait()
}

// Server is a struct that manages a set of subscriptions and their
// corresponding clients. Any update will be delivered to all active clients.
type Server[T any] struct {
	clientCounter atomic.Uint64

	started atomic.Bool
	stopped atomic.Bool

	clients       map[uint64]*Client[T]
	clientUpdates chan *clientUpdate[T]

	updates chan T

	quit chan struct{}
	wg   sync.WaitGroup
}

// clientUpdate is an internal message sent to the subscriptionHandler to
// either register a new client for subscription or cancel an existing
// subscription.
type clientUpdate[T any] struct {
	// cancel indicates if the update to the client is cancelling an
	// existing client's subscription. If not then this update will be to
	// subscribe a new client.
	cancel bool

	clientID uint64

	// client is the new client that will receive updates. Will be nil in
	// case this is a cancellation update.
	client *Client[T]
}

// NewServer returns a new Server.
func NewServer[T any]() *Server[T] {
	return &Server[T]{
		clients:       make(map[uint64]*Client[T]),
		clientUpdates: make(chan *clientUpdate[T]),
		updates:       make(chan T),
		quit:          make(chan struct{}),
	}
}

// Start starts the Server, making it ready to accept subscriptions and
// updates.
func (s *Server[T]) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	s.wg.Add(1)
	go s.subscriptionHandler()

	log.Debug("Subscription server started")

	return nil
}

// Stop stops the server and every client.
func (s *Server[T]) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	close(s.quit)
	s.wg.Wait()

	log.Debug("Subscription server stopped")

	return nil
}

// Subscribe returns a Client that will receive updates any time the Server is
// made aware of a new event.
func (s *Server[T]) Subscribe() (*Client[T], error) {
	clientID := s.clientCounter.Add(1)

	client := &Client[T]{
		id:      clientID,
		queue:   queue.NewConcurrentQueue(DefaultQueueSize),
		updates: make(chan T),
		quit:    make(chan struct{}),
		cancel: func() {
			select {
			case s.clientUpdates <- &clientUpdate[T]{
				cancel:   true,
				clientID: clientID,
			}:
			case <-s.quit:
			}
		},
	}

	select {
	case s.clientUpdates <- &clientUpdate[T]{
		clientID: clientID,
		client:   client,
	}:
	case <-s.quit:
		return nil, ErrServerShuttingDown
	}

	return client, nil
}

// SendUpdate is called to send the passed update to all currently active
// subscription clients.
func (s *Server[T]) SendUpdate(update T) error {
	select {
	case s.updates <- update:
		return nil
	case <-s.quit:
		return ErrServerShuttingDown
	}
}

// subscriptionHandler is the main handler for the Server. It will handle
// incoming updates and subscriptions, and forward the incoming updates to the
// registered clients.
//
// NOTE: MUST be run as a goroutine.
func (s *Server[T]) subscriptionHandler() {
	defer s.wg.Done()

	for {
		select {
		case update := <-s.clientUpdates:
			if update.cancel {
				client, ok := s.clients[update.clientID]
				if ok {
					client.stop()
					delete(s.clients, update.clientID)

					log.Tracef("Subscription client %d "+
						"cancelled", update.clientID)
				}

				continue
			}

			update.client.start()
			s.clients[update.clientID] = update.client

			log.Tracef("Subscription client %d added",
				update.clientID)

		// The client queues are unbounded, so this never waits on a
		// slow reader.
		case upd := <-s.updates:
			for _, client := range s.clients {
				select {
				case client.queue.ChanIn() <- upd:
				case <-client.quit:
				case <-s.quit:
					return
				}
			}

		case <-s.quit:
			for _, client := range s.clients {
				client.stop()
			}
			return
		}
	}
}
