package session

import (
	"context"

	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/option"
)

// Result is the lazy, forward-only value sequence of one statement. The next
// page is fetched only when the values already received are consumed. A Result
// is valid only while its transaction is open.
//
//	for res.Next(ctx) {
//		v := res.Value()
//	}
//	if err := res.Err(); err != nil {
//		...
//	}
type Result struct {
	tx      *Transaction
	values  []any
	index   int
	next    option.Option[string]
	current any
	err     error
	pages   int
}

func newResult(tx *Transaction, first Page) *Result {
	return &Result{
		tx:     tx,
		values: first.Values,
		next:   first.NextToken,
		pages:  1,
	}
}

func (r *Result) Next(ctx context.Context) bool {
	for r.index >= len(r.values) {
		if r.err != nil {
			return false
		}
		token, ok := r.next.Get()
		if !ok {
			r.current = nil
			return false
		}
		page, err := r.tx.fetchPage(ctx, token)
		if err != nil {
			r.err = err
			r.current = nil
			return false
		}
		r.values, r.index, r.next = page.Values, 0, page.NextToken
		r.pages++
	}
	r.current = r.values[r.index]
	r.index++
	return true
}

func (r *Result) Value() any {
	return r.current
}

func (r *Result) Err() error {
	return r.err
}

// Pages reports how many pages have been received so far.
func (r *Result) Pages() int {
	return r.pages
}
