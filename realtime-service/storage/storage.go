package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"wiki-realtime/realtime-service/domain"
)

// Tables names the tables read by the service.
type Tables struct {
	Documents   string
	Collections string
	Users       string
	Memberships string
}

// Storage wraps the Azure clients used by the service.
type Storage struct {
	documents   *aztables.Client
	collections *aztables.Client
	users       *aztables.Client
	memberships *aztables.Client
	queue       *azqueue.QueueClient
}

// New creates a Storage from connection parameters. The events queue client is
// only created when eventsQueue is set.
func New(connStr string, tables Tables, eventsQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Second * 30,
				RetryDelay:    time.Millisecond * 200,
				MaxRetryDelay: time.Second * 5,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	s := &Storage{
		documents:   svc.NewClient(tables.Documents),
		collections: svc.NewClient(tables.Collections),
		users:       svc.NewClient(tables.Users),
		memberships: svc.NewClient(tables.Memberships),
	}
	if eventsQueue == "" {
		return s, nil
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 30,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	s.queue, err = azqueue.NewQueueClientFromConnectionString(connStr, eventsQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return s, nil
}

type documentEntity struct {
	aztables.Entity
	CollectionID string     `json:"CollectionId"`
	CreatedByID  string     `json:"CreatedById"`
	PublishedAt  *time.Time `json:"PublishedAt,omitempty"`
	UpdatedAt    time.Time  `json:"UpdatedAt"`
	DeletedAt    *time.Time `json:"DeletedAt,omitempty"`
}

type collectionEntity struct {
	aztables.Entity
	TeamID    string    `json:"TeamId"`
	Private   bool      `json:"Private"`
	UpdatedAt time.Time `json:"UpdatedAt"`
}

type userEntity struct {
	aztables.Entity
	TeamID string `json:"TeamId"`
}

func decodeDocument(data []byte) (domain.Document, error) {
	var ent documentEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Document{}, err
	}
	return domain.Document{
		ID:           ent.RowKey,
		CollectionID: ent.CollectionID,
		CreatedByID:  ent.CreatedByID,
		PublishedAt:  ent.PublishedAt,
		UpdatedAt:    ent.UpdatedAt,
		DeletedAt:    ent.DeletedAt,
	}, nil
}

func decodeCollection(data []byte) (domain.Collection, error) {
	var ent collectionEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Collection{}, err
	}
	return domain.Collection{
		ID:        ent.RowKey,
		TeamID:    ent.TeamID,
		Private:   ent.Private,
		UpdatedAt: ent.UpdatedAt,
	}, nil
}

// getEntity maps a missing entity to domain.ErrNotFound.
func getEntity(ctx context.Context, table *aztables.Client, pk, rk string) ([]byte, error) {
	ent, err := table.GetEntity(ctx, pk, rk, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return ent.Value, nil
}

// Document retrieves a document, including soft-deleted ones.
func (s *Storage) Document(ctx context.Context, id string) (domain.Document, error) {
	data, err := getEntity(ctx, s.documents, id, id)
	if err != nil {
		return domain.Document{}, fmt.Errorf("document %s: %w", id, err)
	}
	return decodeDocument(data)
}

// Collection retrieves a collection.
func (s *Storage) Collection(ctx context.Context, id string) (domain.Collection, error) {
	data, err := getEntity(ctx, s.collections, id, id)
	if err != nil {
		return domain.Collection{}, fmt.Errorf("collection %s: %w", id, err)
	}
	return decodeCollection(data)
}

// TeamID returns the team the user belongs to.
func (s *Storage) TeamID(ctx context.Context, userID string) (string, error) {
	data, err := getEntity(ctx, s.users, userID, userID)
	if err != nil {
		return "", fmt.Errorf("user %s: %w", userID, err)
	}
	var ent userEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return "", err
	}
	return ent.TeamID, nil
}

// CollectionIDs lists the collections the user can read: explicit
// memberships plus every non-private collection of the team.
func (s *Storage) CollectionIDs(ctx context.Context, userID, teamID string) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	filter := "PartitionKey eq '" + escape(userID) + "'"
	if err := listEntities(ctx, s.memberships, filter, func(ent aztables.Entity) { add(ent.RowKey) }); err != nil {
		return nil, fmt.Errorf("memberships of %s: %w", userID, err)
	}
	if teamID != "" {
		filter = "TeamId eq '" + escape(teamID) + "' and Private eq false"
		if err := listEntities(ctx, s.collections, filter, func(ent aztables.Entity) { add(ent.RowKey) }); err != nil {
			return nil, fmt.Errorf("collections of team %s: %w", teamID, err)
		}
	}
	return ids, nil
}

func listEntities(ctx context.Context, table *aztables.Client, filter string, fn func(aztables.Entity)) error {
	sel := "PartitionKey,RowKey"
	pager := table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Select: &sel})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, raw := range resp.Entities {
			var ent aztables.Entity
			if err := sonic.Unmarshal(raw, &ent); err != nil {
				return err
			}
			fn(ent)
		}
	}
	return nil
}

func escape(v string) string { return strings.ReplaceAll(v, "'", "''") }

var errNoQueue = errors.New("events queue not configured")

// Dequeue retrieves a single message from the events queue.
func (s *Storage) Dequeue(ctx context.Context) (*azqueue.DequeuedMessage, error) {
	if s.queue == nil {
		return nil, errNoQueue
	}
	resp, err := s.queue.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	return resp.Messages[0], nil
}

// Delete removes a processed message from the queue.
func (s *Storage) Delete(ctx context.Context, id, receipt string) error {
	if s.queue == nil {
		return errNoQueue
	}
	_, err := s.queue.DeleteMessage(ctx, id, receipt, nil)
	return err
}
