package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/ruteri/secure-values/api/clients"
	"github.com/ruteri/secure-values/cmd/flags"
	"github.com/ruteri/secure-values/dispatch"
	"github.com/ruteri/secure-values/interfaces"
	"github.com/ruteri/secure-values/passport"
	"github.com/ruteri/secure-values/storage"
	"github.com/ruteri/secure-values/transfer"
	"github.com/urfave/cli/v2"
)

// eventBuffer hands controller events from the coordinating loop to the
// command goroutine. push never blocks, so the loop cannot stall on a slow
// reader.
type eventBuffer struct {
	mu     sync.Mutex
	events []passport.Event
	signal chan struct{}
}

func newEventBuffer() *eventBuffer {
	return &eventBuffer{signal: make(chan struct{}, 1)}
}

func (b *eventBuffer) push(ev passport.Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *eventBuffer) next(ctx context.Context) (passport.Event, error) {
	for {
		b.mu.Lock()
		if len(b.events) > 0 {
			ev := b.events[0]
			b.events = b.events[1:]
			b.mu.Unlock()
			return ev, nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return passport.Event{}, ctx.Err()
		case <-b.signal:
		}
	}
}

// session is one authorization flow driven from the command line. The
// controller lives on loop; the command goroutine touches it only via do.
type session struct {
	ctx    context.Context
	loop   *dispatch.Loop
	c      *passport.Controller
	events *eventBuffer
	stdin  *bufio.Reader
	log    *slog.Logger

	closers []io.Closer
}

func openSession(ctx context.Context, cCtx *cli.Context, log *slog.Logger) (*session, error) {
	if cCtx.Int64(flagBotID.Name) == 0 || cCtx.String(flagPublicKeyFile.Name) == "" {
		return nil, errors.New("--bot-id and --public-key-file are required")
	}
	publicKey, err := os.ReadFile(cCtx.String(flagPublicKeyFile.Name))
	if err != nil {
		return nil, fmt.Errorf("could not read public key: %w", err)
	}

	payload := cCtx.String(flagPayload.Name)
	if payload == "" {
		payload = uuid.NewString()
	}
	request := interfaces.FormRequest{
		BotID:       cCtx.Int64(flagBotID.Name),
		Scope:       strings.Join(cCtx.StringSlice(flagScope.Name), " "),
		PublicKey:   string(publicKey),
		Payload:     payload,
		CallbackURL: cCtx.String(flagCallbackURL.Name),
	}

	s := &session{
		ctx:    ctx,
		loop:   dispatch.NewLoop(log),
		events: newEventBuffer(),
		stdin:  bufio.NewReader(os.Stdin),
		log:    log,
	}

	factory := storage.NewStorageBackendFactory(log)
	backend, err := factory.CreateMultiBackend(cCtx.StringSlice(flags.StorageFlag.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to open file storage: %w", err)
	}
	if closer, ok := backend.(io.Closer); ok {
		s.closers = append(s.closers, closer)
	}
	files := transfer.NewService(backend, cCtx.Int(flagPartSize.Name), log)

	var previews interfaces.PreviewCache
	if path := cCtx.String(flagPreviews.Name); path != "" {
		cache, err := storage.NewBoltPreviewCache(path, log)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to open preview cache: %w", err)
		}
		s.closers = append(s.closers, cache)
		previews = cache
	}

	s.c = passport.NewController(ctx, passport.Config{
		Remote:     clients.NewRemoteClient(cCtx.String(flags.ServerURLFlag.Name)),
		Uploader:   files,
		Downloader: files,
		Previews:   previews,
		Queue:      s.loop,
		Executor:   dispatch.Goroutines{},
		Log:        log,
	}, request)
	s.c.Subscribe(s.events.push)

	go func() {
		if err := s.loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Coordinating loop stopped", "err", err)
		}
	}()
	return s, nil
}

func (s *session) Close() {
	for _, closer := range s.closers {
		if err := closer.Close(); err != nil {
			s.log.Warn("Failed to close resource", "err", err)
		}
	}
}

// do runs fn on the coordinating loop and returns its error.
func (s *session) do(fn func() error) error {
	var err error
	if loopErr := s.loop.Do(s.ctx, func() { err = fn() }); loopErr != nil {
		return loopErr
	}
	return err
}

// waitFor consumes events until match reports done or an error.
func (s *session) waitFor(match func(passport.Event) (bool, error)) error {
	for {
		ev, err := s.events.next(s.ctx)
		if err != nil {
			return err
		}
		s.log.Debug("Controller event",
			slog.String("kind", ev.Kind.String()),
			slog.String("type", ev.Type.String()),
			slog.Uint64("file_id", ev.FileID))

		done, err := match(ev)
		if err != nil || done {
			return err
		}
	}
}

func (s *session) prompt(question string) (string, error) {
	fmt.Fprint(os.Stderr, question)
	line, err := s.stdin.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// unlock fetches the form and resolves the master secret, generating one
// when the account has none yet.
func (s *session) unlock(password string) error {
	if err := s.do(s.c.Start); err != nil {
		return err
	}
	err := s.waitFor(func(ev passport.Event) (bool, error) {
		switch ev.Kind {
		case passport.EventFormReady:
			return true, nil
		case passport.EventFormFailed:
			return false, fmt.Errorf("failed to get authorization form: %s", ev.Message)
		}
		return false, nil
	})
	if err != nil {
		return err
	}

	for {
		if password == "" {
			if password, err = s.prompt("Password: "); err != nil {
				return err
			}
		}
		if err := s.do(func() error { return s.c.SubmitPassword(password) }); err != nil {
			if errors.Is(err, interfaces.ErrEmptyPassword) {
				continue
			}
			return err
		}

		retry := false
		err := s.waitFor(func(ev passport.Event) (bool, error) {
			switch ev.Kind {
			case passport.EventSecretReady:
				return true, nil
			case passport.EventPasswordError:
				if interfaces.RPCErrorType(ev.Err) == interfaces.ErrTypePasswordHashInvalid {
					fmt.Fprintln(os.Stderr, ev.Message)
					retry = true
					return true, nil
				}
				return false, errors.New(ev.Message)
			}
			return false, nil
		})
		if err != nil {
			return err
		}
		if !retry {
			return nil
		}
		password = ""
	}
}
