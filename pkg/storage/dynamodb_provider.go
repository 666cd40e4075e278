package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/aws/aws-sdk-go/service/dynamodb/expression"
	json "github.com/goccy/go-json"

	"github.com/tcmartin/flowengine/pkg/models"
)

// DynamoDBProviderConfig contains configuration for the DynamoDB state backend
type DynamoDBProviderConfig struct {
	Region      string
	AccessKey   string
	SecretKey   string
	TablePrefix string
	Endpoint    string // Optional, for local DynamoDB
}

// NewDynamoDBClient creates a DynamoDB client from the configuration
func NewDynamoDBClient(config DynamoDBProviderConfig) (dynamodbiface.DynamoDBAPI, error) {
	awsConfig := &aws.Config{
		Region: aws.String(config.Region),
	}

	// Set credentials if provided
	if config.AccessKey != "" && config.SecretKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(
			config.AccessKey,
			config.SecretKey,
			"",
		)
	}

	// Set endpoint for local DynamoDB if provided
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return dynamodb.New(sess), nil
}

// DynamoDBStateStore implements the StateStore interface using DynamoDB.
// Items are keyed by WorkflowID (hash) and StateID = <len(namespace)>:<namespace>#<key> (range).
type DynamoDBStateStore struct {
	client    dynamodbiface.DynamoDBAPI
	tableName string
}

// NewDynamoDBStateStore creates a new DynamoDB state store
func NewDynamoDBStateStore(client dynamodbiface.DynamoDBAPI, tablePrefix string) *DynamoDBStateStore {
	return &DynamoDBStateStore{
		client:    client,
		tableName: tablePrefix + "workflow_state",
	}
}

// Initialize creates the state table if it doesn't exist
func (s *DynamoDBStateStore) Initialize(ctx context.Context) error {
	_, err := s.client.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	if err == nil {
		return nil
	}

	aerr, ok := err.(awserr.Error)
	if !ok || aerr.Code() != dynamodb.ErrCodeResourceNotFoundException {
		return fmt.Errorf("failed to check if table exists: %w", err)
	}

	_, err = s.client.CreateTableWithContext(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.tableName),
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{AttributeName: aws.String("WorkflowID"), AttributeType: aws.String("S")},
			{AttributeName: aws.String("StateID"), AttributeType: aws.String("S")},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{AttributeName: aws.String("WorkflowID"), KeyType: aws.String("HASH")},
			{AttributeName: aws.String("StateID"), KeyType: aws.String("RANGE")},
		},
		BillingMode: aws.String("PAY_PER_REQUEST"),
	})
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	err = s.client.WaitUntilTableExistsWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	if err != nil {
		return fmt.Errorf("failed to wait for table creation: %w", err)
	}
	return nil
}

// statePrefix is the range key prefix shared by every key of one namespace.
// The length prefix keeps namespaces containing '#' from matching each other.
func statePrefix(namespace string) string {
	return strconv.Itoa(len(namespace)) + ":" + namespace + "#"
}

func stateID(namespace, key string) string {
	return statePrefix(namespace) + key
}

func (s *DynamoDBStateStore) itemKey(workflowID, key, namespace string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		"WorkflowID": {S: aws.String(workflowID)},
		"StateID":    {S: aws.String(stateID(namespace, key))},
	}
}

func decodeStateItem(item map[string]*dynamodb.AttributeValue) (*models.WorkflowState, error) {
	state := &models.WorkflowState{}
	if v, ok := item["WorkflowID"]; ok {
		state.WorkflowID = aws.StringValue(v.S)
	}
	if v, ok := item["StateKey"]; ok {
		state.Key = aws.StringValue(v.S)
	}
	if v, ok := item["Namespace"]; ok {
		state.Namespace = aws.StringValue(v.S)
	}
	if v, ok := item["StateVersion"]; ok {
		version, err := strconv.ParseInt(aws.StringValue(v.N), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid state version: %w", err)
		}
		state.Version = version
	}
	if v, ok := item["StateValue"]; ok && v.S != nil {
		if err := json.Unmarshal([]byte(aws.StringValue(v.S)), &state.Value); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state value: %w", err)
		}
	}
	if v, ok := item["CreatedAt"]; ok {
		state.CreatedAt, _ = time.Parse(time.RFC3339Nano, aws.StringValue(v.S))
	}
	if v, ok := item["LastUpdatedAt"]; ok {
		state.LastUpdatedAt, _ = time.Parse(time.RFC3339Nano, aws.StringValue(v.S))
	}
	return state, nil
}

// GetState retrieves a state item
func (s *DynamoDBStateStore) GetState(ctx context.Context, workflowID, key, namespace string) (*models.WorkflowState, error) {
	result, err := s.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.itemKey(workflowID, key, namespace),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get state: %w", err)
	}
	if result.Item == nil {
		return nil, ErrStateNotFound
	}
	return decodeStateItem(result.Item)
}

// SetState writes the value and atomically adds one to the stored version
func (s *DynamoDBStateStore) SetState(ctx context.Context, workflowID, key, namespace string, value interface{}) (*models.WorkflowState, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state value: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	update := expression.
		Set(expression.Name("StateValue"), expression.Value(string(encoded))).
		Set(expression.Name("StateKey"), expression.Value(key)).
		Set(expression.Name("Namespace"), expression.Value(namespace)).
		Set(expression.Name("LastUpdatedAt"), expression.Value(now)).
		Set(expression.Name("CreatedAt"), expression.IfNotExists(expression.Name("CreatedAt"), expression.Value(now))).
		Add(expression.Name("StateVersion"), expression.Value(1))
	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build update expression: %w", err)
	}

	result, err := s.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       s.itemKey(workflowID, key, namespace),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              aws.String(dynamodb.ReturnValueAllNew),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set state: %w", err)
	}

	state, err := decodeStateItem(result.Attributes)
	if err != nil {
		return nil, err
	}
	state.WorkflowID = workflowID
	state.Value = value
	return state, nil
}

// DeleteState removes a state item
func (s *DynamoDBStateStore) DeleteState(ctx context.Context, workflowID, key, namespace string) (bool, error) {
	result, err := s.client.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.tableName),
		Key:          s.itemKey(workflowID, key, namespace),
		ReturnValues: aws.String(dynamodb.ReturnValueAllOld),
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete state: %w", err)
	}
	return len(result.Attributes) > 0, nil
}

// ListState returns every item of a workflow namespace ordered by key
func (s *DynamoDBStateStore) ListState(ctx context.Context, workflowID, namespace string) ([]*models.WorkflowState, error) {
	keyCond := expression.Key("WorkflowID").Equal(expression.Value(workflowID)).
		And(expression.Key("StateID").BeginsWith(statePrefix(namespace)))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build key condition: %w", err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ConsistentRead:            aws.Bool(true),
	}

	var (
		out       []*models.WorkflowState
		decodeErr error
	)
	err = s.client.QueryPagesWithContext(ctx, input, func(page *dynamodb.QueryOutput, lastPage bool) bool {
		for _, item := range page.Items {
			state, derr := decodeStateItem(item)
			if derr != nil {
				decodeErr = derr
				return false
			}
			if state.Namespace != namespace {
				continue
			}
			out = append(out, state)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list state: %w", err)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
