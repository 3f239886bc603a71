package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/stitchfield/api/internal/domain"
	pfirestore "github.com/stitchfield/api/internal/platform/firestore"
	"github.com/stitchfield/api/internal/platform/pagination"
	"github.com/stitchfield/api/internal/repositories"
)

const reviewsCollection = "reviews"

type reviewDocument struct {
	OrderRef    string               `firestore:"orderRef"`
	UserRef     string               `firestore:"userRef"`
	Rating      int                  `firestore:"rating"`
	Comment     string               `firestore:"comment,omitempty"`
	Status      string               `firestore:"status"`
	ModeratedBy *string              `firestore:"moderatedBy,omitempty"`
	ModeratedAt *time.Time           `firestore:"moderatedAt,omitempty"`
	Reply       *reviewReplyDocument `firestore:"reply,omitempty"`
	CreatedAt   time.Time            `firestore:"createdAt"`
	UpdatedAt   time.Time            `firestore:"updatedAt"`
}

type reviewReplyDocument struct {
	Message   string    `firestore:"message"`
	AuthorRef string    `firestore:"authorRef"`
	Visible   bool      `firestore:"visible"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// ReviewRepository implements repositories.ReviewRepository backed by Firestore.
type ReviewRepository struct {
	provider *pfirestore.Provider
	reviews  *pfirestore.BaseRepository[reviewDocument]
}

// NewReviewRepository constructs a Firestore-backed review repository.
func NewReviewRepository(provider *pfirestore.Provider) (*ReviewRepository, error) {
	if provider == nil {
		return nil, errors.New("review repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[reviewDocument](provider, reviewsCollection, nil, nil)
	return &ReviewRepository{provider: provider, reviews: base}, nil
}

var _ repositories.ReviewRepository = (*ReviewRepository)(nil)

// Insert creates the review document. One review per order is enforced by a
// transactional existence check on the orderRef.
func (r *ReviewRepository) Insert(ctx context.Context, review domain.Review) (domain.Review, error) {
	if r == nil || r.provider == nil {
		return domain.Review{}, errors.New("review repository not initialised")
	}
	if strings.TrimSpace(review.ID) == "" {
		return domain.Review{}, pfirestore.WrapError("reviews.insert", status.Error(codes.InvalidArgument, "review id is required"))
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		client, err := r.provider.Client(ctx)
		if err != nil {
			return err
		}
		existing := client.Collection(reviewsCollection).
			Where("orderRef", "==", review.OrderRef).
			Limit(1)
		snaps, err := tx.Documents(existing).GetAll()
		if err != nil {
			return err
		}
		if len(snaps) > 0 {
			return status.Errorf(codes.AlreadyExists, "order %s already has a review", review.OrderRef)
		}

		ref, err := r.reviews.DocumentRef(ctx, review.ID)
		if err != nil {
			return err
		}
		return tx.Create(ref, encodeReview(review))
	})
	if err != nil {
		return domain.Review{}, pfirestore.WrapError("reviews.insert", err)
	}
	return review, nil
}

// FindByID fetches one review.
func (r *ReviewRepository) FindByID(ctx context.Context, reviewID string) (domain.Review, error) {
	if r == nil || r.reviews == nil {
		return domain.Review{}, errors.New("review repository not initialised")
	}
	doc, err := r.reviews.Get(ctx, strings.TrimSpace(reviewID))
	if err != nil {
		return domain.Review{}, err
	}
	return decodeReview(doc.ID, doc.Data), nil
}

// FindByOrder fetches the review attached to an order, if any.
func (r *ReviewRepository) FindByOrder(ctx context.Context, orderID string) (domain.Review, error) {
	if r == nil || r.reviews == nil {
		return domain.Review{}, errors.New("review repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Review{}, pfirestore.WrapError("reviews.find_by_order", status.Error(codes.InvalidArgument, "order id is required"))
	}
	docs, err := r.reviews.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderRef", "==", id).Limit(1)
	})
	if err != nil {
		return domain.Review{}, err
	}
	if len(docs) == 0 {
		return domain.Review{}, pfirestore.WrapError("reviews.find_by_order", status.Errorf(codes.NotFound, "no review for order %s", id))
	}
	return decodeReview(docs[0].ID, docs[0].Data), nil
}

// ListByUser pages through a user's reviews, newest first.
func (r *ReviewRepository) ListByUser(ctx context.Context, userID string, pager domain.Pagination) (domain.CursorPage[domain.Review], error) {
	if r == nil || r.reviews == nil {
		return domain.CursorPage[domain.Review]{}, errors.New("review repository not initialised")
	}

	pageSize := pager.PageSize
	if pageSize <= 0 {
		pageSize = pagination.DefaultPageSize
	}
	if pageSize > pagination.DefaultMaxPageSize {
		pageSize = pagination.DefaultMaxPageSize
	}
	cursor, err := pagination.DecodeToken(pager.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Review]{}, pfirestore.WrapError("reviews.list", status.Error(codes.InvalidArgument, err.Error()))
	}

	docs, err := r.reviews.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("userRef", "==", strings.TrimSpace(userID)).
			OrderBy("createdAt", firestore.Desc).
			OrderBy(firestore.DocumentID, firestore.Desc)
		if len(cursor.StartAfter) > 0 {
			q = q.StartAfter(cursor.StartAfter...)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Review]{}, err
	}

	page := domain.CursorPage[domain.Review]{}
	hasMore := len(docs) > pageSize
	if hasMore {
		docs = docs[:pageSize]
	}
	for _, doc := range docs {
		page.Items = append(page.Items, decodeReview(doc.ID, doc.Data))
	}
	if hasMore && len(docs) > 0 {
		last := docs[len(docs)-1]
		token, err := pagination.EncodeToken(pagination.Cursor{
			StartAfter: []any{last.Data.CreatedAt, last.ID},
		})
		if err != nil {
			return domain.CursorPage[domain.Review]{}, pfirestore.WrapError("reviews.list", err)
		}
		page.NextPageToken = token
	}
	return page, nil
}

// UpdateStatus applies a moderation decision.
func (r *ReviewRepository) UpdateStatus(ctx context.Context, reviewID string, reviewStatus domain.ReviewStatus, update repositories.ReviewModerationUpdate) (domain.Review, error) {
	if r == nil || r.reviews == nil {
		return domain.Review{}, errors.New("review repository not initialised")
	}
	updates := []firestore.Update{
		{Path: "status", Value: string(reviewStatus)},
		{Path: "moderatedBy", Value: update.ModeratedBy},
		{Path: "moderatedAt", Value: update.ModeratedAt},
		{Path: "updatedAt", Value: update.ModeratedAt},
	}
	if _, err := r.reviews.Update(ctx, strings.TrimSpace(reviewID), updates); err != nil {
		return domain.Review{}, err
	}
	return r.FindByID(ctx, reviewID)
}

// UpdateReply sets or clears the staff reply.
func (r *ReviewRepository) UpdateReply(ctx context.Context, reviewID string, reply *domain.ReviewReply, updatedAt time.Time) (domain.Review, error) {
	if r == nil || r.reviews == nil {
		return domain.Review{}, errors.New("review repository not initialised")
	}
	var value any
	if reply != nil {
		doc := reviewReplyDocument(*reply)
		value = doc
	} else {
		value = firestore.Delete
	}
	updates := []firestore.Update{
		{Path: "reply", Value: value},
		{Path: "updatedAt", Value: updatedAt},
	}
	if _, err := r.reviews.Update(ctx, strings.TrimSpace(reviewID), updates); err != nil {
		return domain.Review{}, err
	}
	return r.FindByID(ctx, reviewID)
}

func encodeReview(review domain.Review) reviewDocument {
	doc := reviewDocument{
		OrderRef:    review.OrderRef,
		UserRef:     review.UserRef,
		Rating:      review.Rating,
		Comment:     review.Comment,
		Status:      string(review.Status),
		ModeratedBy: review.ModeratedBy,
		ModeratedAt: review.ModeratedAt,
		CreatedAt:   review.CreatedAt,
		UpdatedAt:   review.UpdatedAt,
	}
	if review.Reply != nil {
		reply := reviewReplyDocument(*review.Reply)
		doc.Reply = &reply
	}
	return doc
}

func decodeReview(id string, doc reviewDocument) domain.Review {
	review := domain.Review{
		ID:          id,
		OrderRef:    doc.OrderRef,
		UserRef:     doc.UserRef,
		Rating:      doc.Rating,
		Comment:     doc.Comment,
		Status:      domain.ReviewStatus(doc.Status),
		ModeratedBy: doc.ModeratedBy,
		ModeratedAt: doc.ModeratedAt,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}
	if doc.Reply != nil {
		reply := domain.ReviewReply(*doc.Reply)
		review.Reply = &reply
	}
	return review
}
