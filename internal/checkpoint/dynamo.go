package checkpoint

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/Aman-CERP/vectorsync/internal/config"
	"github.com/Aman-CERP/vectorsync/internal/model"
)

// DDBClient is the subset of the DynamoDB API the store uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// catalogPK and backfillPK hold index definitions and backfill progress.
// Index names cannot start with '#', so they never collide with a real index.
const (
	catalogPK  = "#catalog"
	backfillPK = "#backfill"
)

// DynamoStore keeps checkpoints in a DynamoDB table.
//
// Table schema:
//   - Partition key: pk (string) - index name, "#catalog" or "#backfill"
//   - Sort key: sk (string) - partition name, or index name for the other rows
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name vectorsync_checkpoints \
//	  --attribute-definitions AttributeName=pk,AttributeType=S AttributeName=sk,AttributeType=S \
//	  --key-schema AttributeName=pk,KeyType=HASH AttributeName=sk,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DynamoStore struct {
	client DDBClient
	table  string
}

// NewDynamoStore creates a store over an existing client.
func NewDynamoStore(client DDBClient, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

// NewDynamoStoreFromConfig builds a client from the default AWS credential chain.
func NewDynamoStoreFromConfig(ctx context.Context, cfg config.CheckpointConfig) (*DynamoStore, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewDynamoStore(client, cfg.Table), nil
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

func parsePosition(item map[string]types.AttributeValue) (model.Position, error) {
	attr, ok := item["position"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, stderrors.New("invalid position attribute in DynamoDB")
	}
	n, err := strconv.ParseUint(attr.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse position: %w", err)
	}
	return model.Position(n), nil
}

func (d *DynamoStore) Load(ctx context.Context, index, partition string) (model.Position, bool, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            itemKey(index, partition),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, false, persistErr("load checkpoint", err)
	}
	if len(out.Item) == 0 {
		return 0, false, nil
	}
	pos, err := parsePosition(out.Item)
	if err != nil {
		return 0, false, persistErr("load checkpoint", err)
	}
	return pos, true, nil
}

// Commit is a conditional put: it only succeeds when the row is new or holds
// a lower position. A failed condition means a higher value is already
// stored, which is the no-op case.
func (d *DynamoStore) Commit(ctx context.Context, index, partition string, pos model.Position) error {
	item := itemKey(index, partition)
	item["position"] = &types.AttributeValueMemberN{Value: strconv.FormatUint(uint64(pos), 10)}

	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#pos) OR #pos < :pos"),
		ExpressionAttributeNames: map[string]string{
			"#pos": "position",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pos": &types.AttributeValueMemberN{Value: strconv.FormatUint(uint64(pos), 10)},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if stderrors.As(err, &condErr) {
			return nil
		}
		return persistErr("commit checkpoint", err)
	}
	return nil
}

// query pages through every item under pk.
func (d *DynamoStore) query(ctx context.Context, pk string, fn func(map[string]types.AttributeValue) error) error {
	var start map[string]types.AttributeValue
	for {
		out, err := d.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(d.table),
			KeyConditionExpression: aws.String("pk = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: pk},
			},
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return err
		}
		for _, item := range out.Items {
			if err := fn(item); err != nil {
				return err
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		start = out.LastEvaluatedKey
	}
}

func sortKey(item map[string]types.AttributeValue) string {
	if sk, ok := item["sk"].(*types.AttributeValueMemberS); ok {
		return sk.Value
	}
	return ""
}

func (d *DynamoStore) List(ctx context.Context, index string) (map[string]model.Position, error) {
	out := make(map[string]model.Position)
	err := d.query(ctx, index, func(item map[string]types.AttributeValue) error {
		pos, err := parsePosition(item)
		if err != nil {
			return err
		}
		out[sortKey(item)] = pos
		return nil
	})
	if err != nil {
		return nil, persistErr("list checkpoints", err)
	}
	return out, nil
}

func (d *DynamoStore) DeleteIndex(ctx context.Context, index string) error {
	var parts []string
	if err := d.query(ctx, index, func(item map[string]types.AttributeValue) error {
		parts = append(parts, sortKey(item))
		return nil
	}); err != nil {
		return persistErr("delete checkpoints", err)
	}
	for _, p := range parts {
		if _, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(d.table),
			Key:       itemKey(index, p),
		}); err != nil {
			return persistErr("delete checkpoints", err)
		}
	}
	return nil
}

func (d *DynamoStore) SaveDefinition(ctx context.Context, def model.IndexDefinition) error {
	data, err := encodeDefinition(def)
	if err != nil {
		return err
	}
	item := itemKey(catalogPK, def.Name)
	item["definition"] = &types.AttributeValueMemberS{Value: string(data)}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      item,
	})
	return persistErr("save definition", err)
}

func (d *DynamoStore) ListDefinitions(ctx context.Context) ([]model.IndexDefinition, error) {
	var defs []model.IndexDefinition
	err := d.query(ctx, catalogPK, func(item map[string]types.AttributeValue) error {
		attr, ok := item["definition"].(*types.AttributeValueMemberS)
		if !ok {
			return stderrors.New("invalid definition attribute in DynamoDB")
		}
		def, err := decodeDefinition([]byte(attr.Value))
		if err != nil {
			return err
		}
		defs = append(defs, def)
		return nil
	})
	if err != nil {
		return nil, persistErr("list definitions", err)
	}
	return defs, nil
}

func (d *DynamoStore) DeleteDefinition(ctx context.Context, name string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       itemKey(catalogPK, name),
	})
	return persistErr("delete definition", err)
}

func (d *DynamoStore) LoadBackfill(ctx context.Context, index string) (BackfillProgress, bool, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            itemKey(backfillPK, index),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return BackfillProgress{}, false, persistErr("load backfill progress", err)
	}
	if len(out.Item) == 0 {
		return BackfillProgress{}, false, nil
	}
	attr, ok := out.Item["progress"].(*types.AttributeValueMemberS)
	if !ok {
		return BackfillProgress{}, false, persistErr("load backfill progress", stderrors.New("invalid progress attribute in DynamoDB"))
	}
	p, err := decodeProgress([]byte(attr.Value))
	return p, err == nil, err
}

func (d *DynamoStore) SaveBackfill(ctx context.Context, index string, p BackfillProgress) error {
	data, err := encodeProgress(index, p)
	if err != nil {
		return err
	}
	item := itemKey(backfillPK, index)
	item["progress"] = &types.AttributeValueMemberS{Value: string(data)}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      item,
	})
	return persistErr("save backfill progress", err)
}

func (d *DynamoStore) DeleteBackfill(ctx context.Context, index string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       itemKey(backfillPK, index),
	})
	return persistErr("delete backfill progress", err)
}

// Close is a no-op; the AWS client holds no resources that need releasing.
func (d *DynamoStore) Close() error {
	return nil
}

var _ Backend = (*DynamoStore)(nil)
