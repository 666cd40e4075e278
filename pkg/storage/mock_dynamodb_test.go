package storage

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
)

// mockDynamoDB implements the subset of dynamodbiface.DynamoDBAPI used by the state store
type mockDynamoDB struct {
	dynamodbiface.DynamoDBAPI
	mu     sync.Mutex
	tables map[string]*mockTable
}

type mockTable struct {
	keySchema []*dynamodb.KeySchemaElement
	items     map[string]map[string]*dynamodb.AttributeValue
}

func newMockDynamoDB() *mockDynamoDB {
	return &mockDynamoDB{tables: make(map[string]*mockTable)}
}

func (m *mockDynamoDB) table(name *string) (*mockTable, error) {
	t, ok := m.tables[aws.StringValue(name)]
	if !ok {
		return nil, awserr.New(dynamodb.ErrCodeResourceNotFoundException, "table not found: "+aws.StringValue(name), nil)
	}
	return t, nil
}

// itemKey generates a composite key from key schema and item attributes
func (t *mockTable) itemKey(item map[string]*dynamodb.AttributeValue) string {
	var parts []string
	for _, el := range t.keySchema {
		if attr, ok := item[aws.StringValue(el.AttributeName)]; ok {
			parts = append(parts, aws.StringValue(attr.S)+aws.StringValue(attr.N))
		}
	}
	return strings.Join(parts, "|")
}

func (m *mockDynamoDB) DescribeTableWithContext(_ aws.Context, input *dynamodb.DescribeTableInput, _ ...request.Option) (*dynamodb.DescribeTableOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.table(input.TableName); err != nil {
		return nil, err
	}
	return &dynamodb.DescribeTableOutput{Table: &dynamodb.TableDescription{
		TableName:   input.TableName,
		TableStatus: aws.String(dynamodb.TableStatusActive),
	}}, nil
}

func (m *mockDynamoDB) CreateTableWithContext(_ aws.Context, input *dynamodb.CreateTableInput, _ ...request.Option) (*dynamodb.CreateTableOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := aws.StringValue(input.TableName)
	if _, ok := m.tables[name]; ok {
		return nil, awserr.New(dynamodb.ErrCodeResourceInUseException, "table exists", nil)
	}
	m.tables[name] = &mockTable{
		keySchema: input.KeySchema,
		items:     make(map[string]map[string]*dynamodb.AttributeValue),
	}
	return &dynamodb.CreateTableOutput{}, nil
}

func (m *mockDynamoDB) WaitUntilTableExistsWithContext(_ aws.Context, input *dynamodb.DescribeTableInput, _ ...request.WaiterOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.table(input.TableName)
	return err
}

func (m *mockDynamoDB) GetItemWithContext(_ aws.Context, input *dynamodb.GetItemInput, _ ...request.Option) (*dynamodb.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(input.TableName)
	if err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: t.items[t.itemKey(input.Key)]}, nil
}

func (m *mockDynamoDB) DeleteItemWithContext(_ aws.Context, input *dynamodb.DeleteItemInput, _ ...request.Option) (*dynamodb.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(input.TableName)
	if err != nil {
		return nil, err
	}
	k := t.itemKey(input.Key)
	old := t.items[k]
	delete(t.items, k)
	return &dynamodb.DeleteItemOutput{Attributes: old}, nil
}

var (
	setClause  = regexp.MustCompile(`(#\w+)\s*=\s*(?:if_not_exists\s*\(\s*(#\w+)\s*,\s*(:\w+)\s*\)|(:\w+))`)
	addClause  = regexp.MustCompile(`(#\w+)\s+(:\w+)`)
	eqCond     = regexp.MustCompile(`(#\w+)\s*=\s*(:\w+)`)
	prefixCond = regexp.MustCompile(`begins_with\s*\(\s*(#\w+)\s*,\s*(:\w+)\s*\)`)
)

// UpdateItemWithContext understands the SET, if_not_exists and ADD forms the expression builder emits
func (m *mockDynamoDB) UpdateItemWithContext(_ aws.Context, input *dynamodb.UpdateItemInput, _ ...request.Option) (*dynamodb.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(input.TableName)
	if err != nil {
		return nil, err
	}

	k := t.itemKey(input.Key)
	item := make(map[string]*dynamodb.AttributeValue)
	for name, v := range t.items[k] {
		item[name] = v
	}
	for name, v := range input.Key {
		item[name] = v
	}

	names := input.ExpressionAttributeNames
	values := input.ExpressionAttributeValues
	for _, line := range strings.Split(aws.StringValue(input.UpdateExpression), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "SET "):
			for _, c := range setClause.FindAllStringSubmatch(line[4:], -1) {
				target := aws.StringValue(names[c[1]])
				if c[4] != "" {
					item[target] = values[c[4]]
					continue
				}
				if _, exists := item[aws.StringValue(names[c[2]])]; !exists {
					item[target] = values[c[3]]
				}
			}
		case strings.HasPrefix(line, "ADD "):
			for _, c := range addClause.FindAllStringSubmatch(line[4:], -1) {
				target := aws.StringValue(names[c[1]])
				delta, _ := strconv.ParseInt(aws.StringValue(values[c[2]].N), 10, 64)
				var current int64
				if existing, ok := item[target]; ok {
					current, _ = strconv.ParseInt(aws.StringValue(existing.N), 10, 64)
				}
				item[target] = &dynamodb.AttributeValue{N: aws.String(strconv.FormatInt(current+delta, 10))}
			}
		case line != "":
			return nil, fmt.Errorf("unsupported update clause: %s", line)
		}
	}

	t.items[k] = item
	return &dynamodb.UpdateItemOutput{Attributes: item}, nil
}

// QueryPagesWithContext filters on hash key equality and begins_with on the range key
func (m *mockDynamoDB) QueryPagesWithContext(_ aws.Context, input *dynamodb.QueryInput, fn func(*dynamodb.QueryOutput, bool) bool, _ ...request.Option) error {
	m.mu.Lock()
	t, err := m.table(input.TableName)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	cond := aws.StringValue(input.KeyConditionExpression)
	names := input.ExpressionAttributeNames
	values := input.ExpressionAttributeValues

	var page dynamodb.QueryOutput
	for _, item := range t.items {
		match := true
		for _, c := range eqCond.FindAllStringSubmatch(cond, -1) {
			attr, ok := item[aws.StringValue(names[c[1]])]
			if !ok || aws.StringValue(attr.S) != aws.StringValue(values[c[2]].S) {
				match = false
			}
		}
		for _, c := range prefixCond.FindAllStringSubmatch(cond, -1) {
			attr, ok := item[aws.StringValue(names[c[1]])]
			if !ok || !strings.HasPrefix(aws.StringValue(attr.S), aws.StringValue(values[c[2]].S)) {
				match = false
			}
		}
		if match {
			page.Items = append(page.Items, item)
		}
	}
	page.Count = aws.Int64(int64(len(page.Items)))
	m.mu.Unlock()

	fn(&page, true)
	return nil
}
