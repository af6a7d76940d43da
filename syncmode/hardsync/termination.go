package hardsync

import (
	"context"

	"github.com/fpmas/fpmas-go/transport"

	errwrap "github.com/pkg/errors"
)

// runTermination closes out a synchronize() round with a Dijkstra-Safra
// colored-token ring (spec §4.5.2): rank 0 is the sole initiator, every
// rank keeps servicing incoming requests while idle, and the round is only
// declared over once a white token has circled the ring once without any
// process having gone black in between. On return every rank has flipped
// to the next epoch, so a stale message from this round can never be
// confused with one from the next.
func (s *Server[T]) runTermination(ctx context.Context) error {
	epoch := s.currentEpoch()
	var err error
	if s.rank == 0 {
		err = s.runInitiator(ctx, epoch)
	} else {
		err = s.runParticipant(ctx, epoch)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.epoch = s.epoch.Flip()
	s.black = false
	s.mu.Unlock()
	return nil
}

func (s *Server[T]) ring(rank int) int {
	return (rank + 1) % s.worldSize
}

func (s *Server[T]) runInitiator(ctx context.Context, epoch Epoch) error {
	if s.worldSize == 1 {
		return s.drainUntilIdle(ctx, epoch)
	}
	for {
		if err := s.drainUntilIdle(ctx, epoch); err != nil {
			return err
		}
		s.mu.Lock()
		s.black = false
		s.mu.Unlock()

		if err := s.tokenTr.Send(ctx, s.ring(s.rank), wireTag(TerminationToken, epoch), Token{Black: false}); err != nil {
			return errwrap.Wrap(err, "hardsync: send initial token failed")
		}

		tok, err := s.waitForToken(ctx, epoch)
		if err != nil {
			return err
		}
		s.mu.Lock()
		wentBlack := s.black
		s.mu.Unlock()
		if !tok.Black && !wentBlack {
			break
		}
	}
	return s.broadcastEnd(ctx, epoch)
}

func (s *Server[T]) runParticipant(ctx context.Context, epoch Epoch) error {
	for {
		if s.checkEnd(epoch) {
			return nil
		}
		if err := s.HandleIncomingRequests(ctx); err != nil {
			return err
		}
		tok, hasToken, err := s.peekToken(ctx, epoch)
		if err != nil {
			return err
		}
		if !hasToken {
			continue
		}

		s.mu.Lock()
		forward := Token{Black: tok.Black || s.black}
		s.black = false
		s.mu.Unlock()

		if err := s.tokenTr.Send(ctx, s.ring(s.rank), wireTag(TerminationToken, epoch), forward); err != nil {
			return errwrap.Wrap(err, "hardsync: forward token failed")
		}
	}
}

// drainUntilIdle services every pending request until none remain;
// it does not itself detect global quiescence (that's the token's job),
// only this process's local mailbox.
func (s *Server[T]) drainUntilIdle(ctx context.Context, epoch Epoch) error {
	for {
		drained, err := s.drainOnce(ctx, epoch)
		if err != nil {
			return err
		}
		if !drained {
			return nil
		}
	}
}

func (s *Server[T]) drainOnce(ctx context.Context, epoch Epoch) (bool, error) {
	any := false
	for _, tag := range requestTags {
		_, ok, err := s.comm.Iprobe(transport.AnySource, wireTag(tag, epoch))
		if err != nil {
			return false, errwrap.Wrap(err, "hardsync: iprobe failed during drain")
		}
		if ok {
			any = true
			if err := s.handleOne(ctx, tag, epoch); err != nil {
				return false, err
			}
		}
	}
	return any, nil
}

func (s *Server[T]) predecessor() int {
	return (s.rank - 1 + s.worldSize) % s.worldSize
}

func (s *Server[T]) waitForToken(ctx context.Context, epoch Epoch) (Token, error) {
	src := s.predecessor()
	for {
		tok, ok, err := s.peekTokenFrom(ctx, src, epoch)
		if err != nil {
			return Token{}, err
		}
		if ok {
			return tok, nil
		}
		if err := s.HandleIncomingRequests(ctx); err != nil {
			return Token{}, err
		}
		if err := ctx.Err(); err != nil {
			return Token{}, err
		}
	}
}

func (s *Server[T]) peekToken(ctx context.Context, epoch Epoch) (Token, bool, error) {
	return s.peekTokenFrom(ctx, s.predecessor(), epoch)
}

func (s *Server[T]) peekTokenFrom(ctx context.Context, src int, epoch Epoch) (Token, bool, error) {
	_, ok, err := s.tokenTr.Iprobe(src, wireTag(TerminationToken, epoch))
	if err != nil {
		return Token{}, false, errwrap.Wrap(err, "hardsync: iprobe token failed")
	}
	if !ok {
		return Token{}, false, nil
	}
	tok, _, err := s.tokenTr.Recv(ctx, src, wireTag(TerminationToken, epoch))
	if err != nil {
		return Token{}, false, errwrap.Wrap(err, "hardsync: recv token failed")
	}
	return tok, true, nil
}

// broadcastEnd is a loop of point-to-point sends rather than a collective
// Bcast: only the initiator knows the round is over, so the other ranks
// cannot be expected to call a matching collective op at this point.
func (s *Server[T]) broadcastEnd(ctx context.Context, epoch Epoch) error {
	for r := 0; r < s.worldSize; r++ {
		if r == s.rank {
			continue
		}
		if err := s.endTr.Send(ctx, r, wireTag(End, epoch), epoch); err != nil {
			return errwrap.Wrapf(err, "hardsync: send END to rank %d failed", r)
		}
	}
	return nil
}

func (s *Server[T]) checkEnd(epoch Epoch) bool {
	_, ok, err := s.endTr.Iprobe(0, wireTag(End, epoch))
	if err != nil || !ok {
		return false
	}
	if _, _, err := s.endTr.Recv(context.Background(), 0, wireTag(End, epoch)); err != nil {
		return false
	}
	return true
}
