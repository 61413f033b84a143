package allocation

import (
	"context"

	"tablealloc/internal/errs"
	"tablealloc/internal/events"
	"tablealloc/internal/lock"
	"tablealloc/internal/metrics"
	"tablealloc/internal/model"
)

// ChangePartySize re-seats a confirmed reservation for a new party size.
// The reservation's own tables count as free while the new seating is chosen.
func (s *Service) ChangePartySize(ctx context.Context, reservationID int64, adults, children int) (*model.Reservation, error) {
	if adults < 0 || children < 0 {
		return nil, errs.Markf(errs.ErrConfiguration, "adults and children cannot be negative")
	}
	party := model.PartySizeOf(adults, children)

	current, err := s.store.Reservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if current.Status != model.StatusConfirmed {
		return nil, errs.Markf(errs.ErrInvalidTransition, "reservation %d is %s", reservationID, current.Status)
	}

	key := lock.Key(current.RestaurantID, current.StartsAt, party, s.cfg.PartyBucketWidth)
	var updated *model.Reservation
	var res Result
	err = s.withRetry(ctx, &res, func() error {
		r, err := s.reseat(ctx, key, reservationID, adults, children)
		if err != nil {
			return err
		}
		updated = r
		return nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Int64("reservation_id", reservationID).Int("party_size", party).Msg("party size change failed")
		return nil, err
	}

	s.logger.Info().Int64("reservation_id", reservationID).Int("party_size", party).Int("attempts", res.Attempts).Msg("party size changed")
	return updated, nil
}

func (s *Service) reseat(ctx context.Context, key string, reservationID int64, adults, children int) (*model.Reservation, error) {
	token, err := s.locker.Acquire(ctx, key, s.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, key, token)

	// Reload under the lock so the version check covers everything we read.
	r, err := s.store.Reservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if r.Status != model.StatusConfirmed {
		return nil, errs.Markf(errs.ErrInvalidTransition, "reservation %d is %s", reservationID, r.Status)
	}
	party := model.PartySizeOf(adults, children)

	p, err := s.reassess(ctx, r.RestaurantID, r.StartsAt, party, r.PeriodID, r.ID)
	if err != nil {
		return nil, err
	}
	if !p.result.Found() {
		return nil, errs.Markf(errs.ErrNoAvailability, "no table for %d guests on reservation %d", party, r.ID)
	}

	expected := r.Version
	r.Adults = adults
	r.Children = children
	r.PartySize = party
	p.seat(r)
	if r.Combination != nil {
		r.Combination.ReservationID = r.ID
	}

	slots, err := s.slots(p, r)
	if err != nil {
		return nil, err
	}
	if err := s.store.ReassignReservation(ctx, r, expected, slots); err != nil {
		return nil, err
	}
	s.publish(events.ReservationReseated, r)
	return r, nil
}

// Cancel moves a reservation to cancelled and frees its tables.
// expectedVersion 0 skips the optimistic check.
func (s *Service) Cancel(ctx context.Context, reservationID, expectedVersion int64) (*model.Reservation, error) {
	return s.transition(ctx, reservationID, expectedVersion, model.StatusCancelled, events.ReservationCancelled)
}

// MarkNoShow moves a reservation to no_show and frees its tables.
func (s *Service) MarkNoShow(ctx context.Context, reservationID, expectedVersion int64) (*model.Reservation, error) {
	return s.transition(ctx, reservationID, expectedVersion, model.StatusNoShow, events.ReservationNoShow)
}

func (s *Service) transition(ctx context.Context, reservationID, expectedVersion int64, to model.Status, eventType string) (*model.Reservation, error) {
	r, err := s.store.TransitionStatus(ctx, reservationID, expectedVersion, to)
	if err != nil {
		s.logger.Warn().Err(err).Int64("reservation_id", reservationID).Str("to", string(to)).Msg("status transition rejected")
		return nil, err
	}
	metrics.IncStatusTransition(string(to))
	s.publish(eventType, r)
	s.logger.Info().Int64("reservation_id", reservationID).Str("status", string(r.Status)).Int64("version", r.Version).Msg("reservation status changed")
	return r, nil
}
