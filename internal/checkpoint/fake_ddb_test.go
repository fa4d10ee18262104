package checkpoint

import (
	"context"
	"slices"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDDB is an in-memory DDBClient that understands the store's schema and
// its single condition expression.
type fakeDDB struct {
	mu    sync.Mutex
	items map[string]map[string]map[string]types.AttributeValue // pk -> sk -> item
	err   error
}

func newFakeDDB() *fakeDDB {
	return &fakeDDB{items: make(map[string]map[string]map[string]types.AttributeValue)}
}

func keyOf(item map[string]types.AttributeValue) (string, string) {
	return item["pk"].(*types.AttributeValueMemberS).Value, item["sk"].(*types.AttributeValueMemberS).Value
}

func (f *fakeDDB) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pk, sk := keyOf(in.Item)
	if in.ConditionExpression != nil {
		if cur, ok := f.items[pk][sk]; ok {
			stored, _ := strconv.ParseUint(cur["position"].(*types.AttributeValueMemberN).Value, 10, 64)
			next, _ := strconv.ParseUint(in.ExpressionAttributeValues[":pos"].(*types.AttributeValueMemberN).Value, 10, 64)
			if !(stored < next) {
				return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
			}
		}
	}
	if f.items[pk] == nil {
		f.items[pk] = make(map[string]map[string]types.AttributeValue)
	}
	f.items[pk][sk] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDDB) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pk, sk := keyOf(in.Key)
	return &dynamodb.GetItemOutput{Item: f.items[pk][sk]}, nil
}

// Query returns one item per page to exercise pagination.
func (f *fakeDDB) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pk := in.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value
	var sks []string
	for sk := range f.items[pk] {
		sks = append(sks, sk)
	}
	slices.Sort(sks)

	startAfter := ""
	if in.ExclusiveStartKey != nil {
		_, startAfter = keyOf(in.ExclusiveStartKey)
	}
	for _, sk := range sks {
		if startAfter != "" && sk <= startAfter {
			continue
		}
		item := f.items[pk][sk]
		return &dynamodb.QueryOutput{
			Items:            []map[string]types.AttributeValue{item},
			LastEvaluatedKey: itemKey(pk, sk),
		}, nil
	}
	return &dynamodb.QueryOutput{}, nil
}

func (f *fakeDDB) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pk, sk := keyOf(in.Key)
	delete(f.items[pk], sk)
	return &dynamodb.DeleteItemOutput{}, nil
}
