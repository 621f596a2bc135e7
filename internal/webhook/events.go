package webhook

import (
	"context"

	"billingengine/internal/external"
	"billingengine/internal/identity"
	"billingengine/internal/types"
)

// checkoutCompleted links the processor customer to the identity that
// started the checkout. It never fails the event once the payload parses.
func (p *Processor) checkoutCompleted(ctx context.Context, evt *external.Event) (*Result, string, error) {
	cs, err := external.ParseCheckoutSession(evt.Data)
	if err != nil {
		return nil, "", err
	}

	identityID, err := p.resolver.LinkCheckout(ctx, cs.CustomerID, cs.ClientReferenceID, cs.CustomerEmail)
	if err != nil {
		p.logger.WarnContext(ctx, "checkout identity sync failed",
			"event_id", evt.ID,
			"session_id", cs.ID,
			"error", err,
		)
	}
	if identityID == "" {
		return &Result{Message: MessageNoEffect}, OutcomeProcessed, nil
	}

	if cs.CustomerID != "" || cs.SubscriptionID != "" {
		sync := types.SubscriptionSync{
			ProcessorCustomerID:     optional(cs.CustomerID),
			ProcessorSubscriptionID: optional(cs.SubscriptionID),
		}
		if _, err := p.subscriptions.Sync(ctx, identityID, sync, nil); err != nil {
			p.logger.WarnContext(ctx, "checkout subscription link failed",
				"event_id", evt.ID,
				"identity_id", identityID,
				"error", err,
			)
		}
	}

	return &Result{
		Message: MessageProcessed,
		Data:    map[string]any{"identity_id": identityID},
	}, OutcomeProcessed, nil
}

// subscriptionChanged mirrors the subscription onto a known owner. Credits
// are untouched; only paid invoices grant them.
func (p *Processor) subscriptionChanged(ctx context.Context, evt *external.Event) (*Result, string, error) {
	sub, err := external.ParseSubscription(evt.Data)
	if err != nil {
		return nil, "", err
	}

	res, err := p.resolver.Resolve(ctx, sub.CustomerID)
	if err != nil {
		if types.HasCode(err, types.ErrCodeNotFoundIdentity) {
			// The paid invoice that follows provisions the owner.
			return &Result{Message: MessageOwnerAbsent}, OutcomeProcessed, nil
		}
		return nil, "", err
	}

	applied, err := p.subscriptions.Sync(ctx, res.IdentityID, sub.Sync(), &evt.Created)
	if err != nil {
		return nil, "", err
	}
	msg := MessageProcessed
	if !applied {
		msg = MessageStale
	}
	return &Result{
		Message: msg,
		Data: map[string]any{
			"identity_id": res.IdentityID,
			"status":      sub.Status,
		},
	}, OutcomeProcessed, nil
}

// subscriptionDeleted downgrades the owner to free and marks the record
// canceled, unless the event is older than the stored state or concerns a
// subscription the owner has already replaced.
func (p *Processor) subscriptionDeleted(ctx context.Context, evt *external.Event) (*Result, string, error) {
	sub, err := external.ParseSubscription(evt.Data)
	if err != nil {
		return nil, "", err
	}

	res, err := p.resolver.Resolve(ctx, sub.CustomerID)
	if err != nil {
		if types.HasCode(err, types.ErrCodeNotFoundIdentity) {
			p.logger.ErrorContext(ctx, "subscription deleted for unknown customer",
				"event_id", evt.ID,
				"customer_id", sub.CustomerID,
			)
			return &Result{Message: MessageUnresolved}, OutcomeUnresolved, nil
		}
		return nil, "", err
	}

	rec, err := p.subscriptions.Record(ctx, res.IdentityID)
	if err != nil && !types.HasCode(err, types.ErrCodeNotFoundSubscription) {
		return nil, "", err
	}
	if rec != nil && rec.ProcessorSubscriptionID != nil && *rec.ProcessorSubscriptionID != sub.ID &&
		rec.Status != types.SubStatusCanceled {
		p.logger.InfoContext(ctx, "deleted subscription was already replaced",
			"identity_id", res.IdentityID,
			"deleted_subscription", sub.ID,
			"current_subscription", *rec.ProcessorSubscriptionID,
		)
		return &Result{Message: MessageSuperseded}, OutcomeProcessed, nil
	}

	sync := sub.Sync()
	sync.Status = types.SubStatusCanceled
	applied, err := p.subscriptions.Sync(ctx, res.IdentityID, sync, &evt.Created)
	if err != nil {
		return nil, "", err
	}
	if !applied {
		return &Result{Message: MessageStale}, OutcomeProcessed, nil
	}

	balance, err := p.credits.Renew(ctx, res.IdentityID, types.PlanFree)
	if err != nil {
		return nil, "", err
	}
	return &Result{
		Message: MessageProcessed,
		Data: map[string]any{
			"identity_id": res.IdentityID,
			"plan":        types.PlanFree,
			"credits":     balance.CreditsAvailable,
		},
	}, OutcomeProcessed, nil
}

// paymentSucceeded is the only path that grants paid credits. The owner is
// created when unknown.
func (p *Processor) paymentSucceeded(ctx context.Context, evt *external.Event) (*Result, string, error) {
	inv, err := external.ParseInvoice(evt.Data)
	if err != nil {
		return nil, "", err
	}
	if inv.Status != "paid" {
		return &Result{
			Message: MessageNoEffect,
			Data:    map[string]any{"invoice_status": inv.Status},
		}, OutcomeProcessed, nil
	}

	plan, rule := p.catalog.PlanForInvoice(inv.PriceID, inv.AmountPaid)

	res, err := p.resolver.ResolveOrCreate(ctx, inv.CustomerID, identity.Hint{
		Email:   inv.CustomerEmail,
		Plan:    plan,
		EventID: evt.ID,
	})
	if err != nil {
		if types.HasCode(err, types.ErrCodeNotFoundIdentity) {
			p.logger.ErrorContext(ctx, "paid invoice for unresolvable customer",
				"event_id", evt.ID,
				"invoice_id", inv.ID,
				"customer_id", inv.CustomerID,
			)
			return &Result{Message: MessageUnresolved}, OutcomeUnresolved, nil
		}
		return nil, "", err
	}

	var sub *external.Subscription
	if inv.SubscriptionID != "" {
		sub, err = p.processor.GetSubscription(ctx, inv.SubscriptionID)
		if err != nil {
			p.logger.WarnContext(ctx, "could not fetch subscription for paid invoice",
				"event_id", evt.ID,
				"subscription_id", inv.SubscriptionID,
				"error", err,
			)
			sub = nil
		}
	}

	periodEnd := inv.PeriodEnd
	if sub != nil && sub.CurrentPeriodEnd != nil {
		periodEnd = sub.CurrentPeriodEnd
	}

	balance, err := p.credits.RenewWithPeriod(ctx, res.IdentityID, plan, periodEnd)
	if err != nil {
		return nil, "", err
	}

	sync := types.SubscriptionSync{
		ProcessorCustomerID:     optional(inv.CustomerID),
		ProcessorSubscriptionID: optional(inv.SubscriptionID),
		PriceID:                 optional(inv.PriceID),
		Status:                  types.SubStatusActive,
	}
	if sub != nil {
		sync = sub.Sync()
	}
	if _, err := p.subscriptions.Sync(ctx, res.IdentityID, sync, &evt.Created); err != nil {
		return nil, "", err
	}

	p.logger.InfoContext(ctx, "paid invoice applied",
		"identity_id", res.IdentityID,
		"plan", plan,
		"plan_rule", rule,
		"resolved_via", res.Via,
	)
	return &Result{
		Message: MessageProcessed,
		Data: map[string]any{
			"identity_id": res.IdentityID,
			"plan":        plan,
			"credits":     balance.CreditsAvailable,
			"created":     res.Created,
		},
	}, OutcomeProcessed, nil
}

// paymentFailed marks a known owner past_due. Credits are frozen as they are.
func (p *Processor) paymentFailed(ctx context.Context, evt *external.Event) (*Result, string, error) {
	inv, err := external.ParseInvoice(evt.Data)
	if err != nil {
		return nil, "", err
	}

	res, err := p.resolver.Resolve(ctx, inv.CustomerID)
	if err != nil {
		if types.HasCode(err, types.ErrCodeNotFoundIdentity) {
			p.logger.ErrorContext(ctx, "payment failure for unknown customer",
				"event_id", evt.ID,
				"customer_id", inv.CustomerID,
			)
			return &Result{Message: MessageUnresolved}, OutcomeUnresolved, nil
		}
		return nil, "", err
	}

	applied, err := p.subscriptions.Sync(ctx, res.IdentityID,
		types.SubscriptionSync{Status: types.SubStatusPastDue}, &evt.Created)
	if err != nil {
		return nil, "", err
	}
	msg := MessageProcessed
	if !applied {
		msg = MessageStale
	}
	return &Result{
		Message: msg,
		Data: map[string]any{
			"identity_id": res.IdentityID,
			"status":      types.SubStatusPastDue,
		},
	}, OutcomeProcessed, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
