// Package dynamostore is a kv.Storage over a single DynamoDB table.
//
// Each key is one item carrying a revision number. An Update invocation reads
// through to the table, buffers its writes, and commits them with one
// TransactWriteItems call conditioned on every revision it observed. A
// condition failure means another writer got there first; the invocation is
// re-run against fresh state a bounded number of times before kv.ErrConflict
// is returned.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/josealfredo79/20250829StellarSummerFriday/internal/kv"
)

const (
	DefaultTableName = "crudrecords"

	// TransactWriteItems accepts at most this many actions.
	maxTransactItems = 100
	defaultAttempts  = 5
	tableWaitTimeout = 2 * time.Minute
)

// API is the subset of *dynamodb.Client the store uses.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

type Config struct {
	Region          string
	Endpoint        string
	TableName       string
	AccessKeyID     string
	SecretAccessKey string
	// CreateTable provisions the table on Open when it does not exist.
	CreateTable bool
	// MaxAttempts bounds how often a conflicting Update is re-run.
	MaxAttempts int
	Now         func() time.Time
	Logger      *slog.Logger
}

type item struct {
	Key       string    `dynamodbav:"Key"`
	Value     []byte    `dynamodbav:"Value"`
	Revision  int64     `dynamodbav:"Revision"`
	UpdatedAt time.Time `dynamodbav:"UpdatedAt"`
}

type Store struct {
	api         API
	table       *string
	now         func() time.Time
	maxAttempts int
	logger      *slog.Logger
}

var _ kv.Storage = (*Store)(nil)

func newAWSConfig(ctx context.Context, c Config) (aws.Config, error) {
	cfg, err := awsConfig.LoadDefaultConfig(ctx, awsConfig.WithRegion(c.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	if c.AccessKeyID != "" && c.SecretAccessKey != "" {
		cfg.Credentials = credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, "")
	}
	return cfg, nil
}

// Open builds a DynamoDB client from cfg and returns a store over its table.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	awsCfg, err := newAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open dynamodb store: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	store := New(client, cfg)
	if cfg.CreateTable {
		if err := store.EnsureTable(ctx); err != nil {
			return nil, fmt.Errorf("open dynamodb store: %w", err)
		}
	}
	return store, nil
}

func New(api API, cfg Config) *Store {
	table := cfg.TableName
	if table == "" {
		table = DefaultTableName
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		api:         api,
		table:       aws.String(table),
		now:         now,
		maxAttempts: attempts,
		logger:      logger,
	}
}

func (s *Store) TableName() string {
	return aws.ToString(s.table)
}

// EnsureTable creates the table with an on-demand billing mode when it is
// missing and waits until it is active.
func (s *Store) EnsureTable(ctx context.Context) error {
	_, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: s.table})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("describe table %s: %w", s.TableName(), err)
	}

	s.logger.InfoContext(ctx, "creating dynamodb table", "table", s.TableName())
	if _, err := s.api.CreateTable(ctx, buildCreateTableInput(s.TableName())); err != nil {
		var inUse *types.ResourceInUseException
		if !errors.As(err, &inUse) {
			return fmt.Errorf("create table %s: %w", s.TableName(), err)
		}
	}

	waiter := dynamodb.NewTableExistsWaiter(s.api)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: s.table}, tableWaitTimeout); err != nil {
		return fmt.Errorf("wait for table %s: %w", s.TableName(), err)
	}
	return nil
}

func buildCreateTableInput(tableName string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("Key"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("Key"),
				KeyType:       types.KeyTypeHash,
			},
		},
		TableName:   aws.String(tableName),
		BillingMode: types.BillingModePayPerRequest,
	}
}

// View reads with strongly consistent gets. Reads of different keys are not
// isolated from concurrent commits.
func (s *Store) View(ctx context.Context, fn func(kv.Reader) error) error {
	if fn == nil {
		return fmt.Errorf("dynamodb view: callback is nil")
	}
	return fn(s.newTx())
}

func (s *Store) Update(ctx context.Context, fn func(kv.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("dynamodb update: callback is nil")
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := s.newTx()
		if err := fn(tx); err != nil {
			return err
		}
		err := s.commit(ctx, tx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, kv.ErrConflict) || attempt >= s.maxAttempts {
			return fmt.Errorf("dynamodb update: %w", err)
		}
		s.logger.DebugContext(ctx, "retrying conflicting update", "attempt", attempt, "table", s.TableName())
	}
}

func (s *Store) newTx() *tx {
	return &tx{
		store:  s,
		reads:  map[string]int64{},
		writes: map[string][]byte{},
	}
}

// tx tracks the revision seen for every key it touched. A revision of 0 means
// the key was absent. Buffered writes with a nil value are deletes.
type tx struct {
	store  *Store
	reads  map[string]int64
	writes map[string][]byte
}

func (t *tx) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if value, ok := t.writes[key]; ok {
		if value == nil {
			return nil, false, nil
		}
		return append([]byte{}, value...), true, nil
	}

	current, found, err := t.store.getItem(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if _, seen := t.reads[key]; !seen {
		t.reads[key] = current.Revision
	}
	if !found {
		return nil, false, nil
	}
	if current.Value == nil {
		current.Value = []byte{}
	}
	return current.Value, true, nil
}

func (t *tx) Set(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("set: key is required")
	}
	if err := t.observe(ctx, key); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	t.writes[key] = append([]byte{}, value...)
	return nil
}

func (t *tx) Remove(ctx context.Context, key string) error {
	if err := t.observe(ctx, key); err != nil {
		return err
	}
	t.writes[key] = nil
	return nil
}

// observe makes sure a key's revision is known before it is written, so
// every write in the commit is conditional.
func (t *tx) observe(ctx context.Context, key string) error {
	if _, seen := t.reads[key]; seen {
		return nil
	}
	current, _, err := t.store.getItem(ctx, key)
	if err != nil {
		return err
	}
	t.reads[key] = current.Revision
	return nil
}

func (s *Store) getItem(ctx context.Context, key string) (item, bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      s.table,
		Key:            itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return item{}, false, fmt.Errorf("get %q: %w", key, err)
	}
	if len(out.Item) == 0 {
		return item{}, false, nil
	}
	var current item
	if err := attributevalue.UnmarshalMap(out.Item, &current); err != nil {
		return item{}, false, fmt.Errorf("decode %q: %w", key, err)
	}
	return current, true, nil
}

func (s *Store) commit(ctx context.Context, t *tx) error {
	if len(t.writes) == 0 {
		return nil
	}

	keys := make([]string, 0, len(t.reads))
	for key := range t.reads {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if len(keys) > maxTransactItems {
		return fmt.Errorf("commit: %d keys exceed the %d item transaction limit", len(keys), maxTransactItems)
	}

	now := s.now().UTC()
	actions := make([]types.TransactWriteItem, 0, len(keys))
	for _, key := range keys {
		revision := t.reads[key]
		cond, err := revisionCondition(revision).Build()
		if err != nil {
			return fmt.Errorf("commit: build condition for %q: %w", key, err)
		}

		value, written := t.writes[key]
		switch {
		case !written || (value == nil && revision == 0):
			// Read-only keys and removals of absent keys only pin state.
			actions = append(actions, types.TransactWriteItem{ConditionCheck: &types.ConditionCheck{
				TableName:                 s.table,
				Key:                       itemKey(key),
				ConditionExpression:       cond.Condition(),
				ExpressionAttributeNames:  cond.Names(),
				ExpressionAttributeValues: cond.Values(),
			}})
		case value == nil:
			actions = append(actions, types.TransactWriteItem{Delete: &types.Delete{
				TableName:                 s.table,
				Key:                       itemKey(key),
				ConditionExpression:       cond.Condition(),
				ExpressionAttributeNames:  cond.Names(),
				ExpressionAttributeValues: cond.Values(),
			}})
		default:
			attrs, err := attributevalue.MarshalMap(item{Key: key, Value: value, Revision: revision + 1, UpdatedAt: now})
			if err != nil {
				return fmt.Errorf("commit: encode %q: %w", key, err)
			}
			actions = append(actions, types.TransactWriteItem{Put: &types.Put{
				TableName:                 s.table,
				Item:                      attrs,
				ConditionExpression:       cond.Condition(),
				ExpressionAttributeNames:  cond.Names(),
				ExpressionAttributeValues: cond.Values(),
			}})
		}
	}

	_, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: actions})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			return fmt.Errorf("%w: %s", kv.ErrConflict, canceled.ErrorMessage())
		}
		var conflict *types.TransactionConflictException
		if errors.As(err, &conflict) {
			return fmt.Errorf("%w: %s", kv.ErrConflict, conflict.ErrorMessage())
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"Key": &types.AttributeValueMemberS{Value: key},
	}
}

// revisionCondition holds when the item is still at the observed revision,
// or still absent when none was observed.
func revisionCondition(revision int64) expression.Builder {
	if revision == 0 {
		return expression.NewBuilder().
			WithCondition(expression.AttributeNotExists(expression.Name("Key")))
	}
	return expression.NewBuilder().
		WithCondition(expression.Equal(expression.Name("Revision"), expression.Value(revision)))
}
