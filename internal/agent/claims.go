package agent

import (
	"context"

	"github.com/example/campus-rides/internal/storage"
)

// ClaimCollection holds one document per rider per commute date. Reading a
// claim inside the booking transaction makes concurrent runs pooling the
// same rider conflict instead of double-booking.
const ClaimCollection = "commute_claims"

type claim struct {
	RideIDs []string `json:"rideIds"`
	Owner   string   `json:"owner"`
}

func claimRef(date, uid string) storage.Ref {
	return storage.Ref{Collection: ClaimCollection, ID: date + "_" + uid}
}

func claimedTx(ctx context.Context, tx storage.Tx, date, uid string) (bool, error) {
	var c claim
	return tx.Get(ctx, claimRef(date, uid), &c)
}
