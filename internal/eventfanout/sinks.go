package eventfanout

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws-samples/personalization-apis-go/internal/apierrors"
	"github.com/aws-samples/personalization-apis-go/internal/configmodel"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/firehose"
	firehosetypes "github.com/aws/aws-sdk-go-v2/service/firehose/types"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/personalizeevents"
	"github.com/aws/aws-sdk-go-v2/service/personalizeevents/types"
	"github.com/google/uuid"
)

// PersonalizeEventsClient is the subset of personalizeevents.Client a
// ManagedTrackerSink calls.
type PersonalizeEventsClient interface {
	PutEvents(ctx context.Context, params *personalizeevents.PutEventsInput, optFns ...func(*personalizeevents.Options)) (*personalizeevents.PutEventsOutput, error)
}

// ManagedTrackerSink records events against a managed Amazon Personalize
// event tracker.
type ManagedTrackerSink struct {
	Client      PersonalizeEventsClient
	TrackingID  string
}

func (s *ManagedTrackerSink) Send(ctx context.Context, event Event) error {
	props, err := json.Marshal(event.Properties)
	if err != nil {
		return apierrors.Internal(err.Error())
	}

	personalizeEvent := types.Event{
		EventId:     aws.String(uuid.NewString()),
		EventType:   aws.String(event.EventType),
		SentAt:      aws.Time(event.SentAt),
		Properties:  props,
	}
	if event.ItemID != "" {
		personalizeEvent.ItemId = aws.String(event.ItemID)
	}
	if event.EventValue != nil {
		personalizeEvent.EventValue = aws.Float32(float32(*event.EventValue))
	}

	sessionID := event.SessionID
	if sessionID == "" {
		sessionID = event.UserID
	}

	_, err = s.Client.PutEvents(ctx, &personalizeevents.PutEventsInput{
		TrackingId: aws.String(s.TrackingID),
		SessionId:  aws.String(sessionID),
		UserId:     optionalString(event.UserID),
		EventList:  []types.Event{personalizeEvent},
	})
	if err != nil {
		return apierrors.Downstream("event_tracker_put_failed", err.Error())
	}
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// KinesisClient is the subset of kinesis.Client a StreamSink calls.
type KinesisClient interface {
	PutRecord(ctx context.Context, params *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error)
}

// StreamSink publishes an event as a single record onto a Kinesis data
// stream, partitioned by user (falling back to session) identity.
type StreamSink struct {
	Client     KinesisClient
	StreamName string
}

func (s *StreamSink) Send(ctx context.Context, event Event) error {
	body, err := encodeEvent(event)
	if err != nil {
		return err
	}

	partitionKey := event.UserID
	if partitionKey == "" {
		partitionKey = event.SessionID
	}
	if partitionKey == "" {
		partitionKey = uuid.NewString()
	}

	_, err = s.Client.PutRecord(ctx, &kinesis.PutRecordInput{
		StreamName:   aws.String(s.StreamName),
		PartitionKey: aws.String(partitionKey),
		Data:         body,
	})
	if err != nil {
		return apierrors.Downstream("stream_put_failed", err.Error())
	}
	return nil
}

// FirehoseClient is the subset of firehose.Client a DeliveryStreamSink
// calls.
type FirehoseClient interface {
	PutRecord(ctx context.Context, params *firehose.PutRecordInput, optFns ...func(*firehose.Options)) (*firehose.PutRecordOutput, error)
}

// DeliveryStreamSink publishes an event as a single record onto a Kinesis
// Data Firehose delivery stream.
type DeliveryStreamSink struct {
	Client     FirehoseClient
	StreamName string
}

func (s *DeliveryStreamSink) Send(ctx context.Context, event Event) error {
	body, err := encodeEvent(event)
	if err != nil {
		return err
	}
	_, err = s.Client.PutRecord(ctx, &firehose.PutRecordInput{
		DeliveryStreamName: aws.String(s.StreamName),
		Record:             &firehosetypes.Record{Data: append(body, '\n')},
	})
	if err != nil {
		return apierrors.Downstream("delivery_stream_put_failed", err.Error())
	}
	return nil
}

func encodeEvent(event Event) ([]byte, error) {
	out := map[string]any{
		"eventType":  event.EventType,
		"userId":     event.UserID,
		"sessionId":  event.SessionID,
		"itemId":     event.ItemID,
		"properties": event.Properties,
		"sentAt":     event.SentAt.Format(time.RFC3339),
	}
	if event.EventValue != nil {
		out["eventValue"] = *event.EventValue
	}
	body, err := json.Marshal(out)
	if err != nil {
		return nil, apierrors.Internal(err.Error())
	}
	return body, nil
}

// BuildSink is the default SinkFactory, dispatching on a target's "type"
// field: managed-tracker, stream, or delivery-stream.
func BuildSink(personalizeEvents PersonalizeEventsClient, kinesisClient KinesisClient, firehoseClient FirehoseClient) SinkFactory {
	return func(target configmodel.Node) (Sink, error) {
		targetType, _ := target["type"].(string)
		switch targetType {
		case "managed-tracker":
			trackingID, _ := target["trackingId"].(string)
			if trackingID == "" {
				return nil, apierrors.Misconfigured("missing_tracking_id", "managed-tracker event target is missing trackingId")
			}
			return &ManagedTrackerSink{Client: personalizeEvents, TrackingID: trackingID}, nil
		case "stream":
			streamName, _ := target["streamName"].(string)
			if streamName == "" {
				return nil, apierrors.Misconfigured("missing_stream_name", "stream event target is missing streamName")
			}
			return &StreamSink{Client: kinesisClient, StreamName: streamName}, nil
		case "delivery-stream":
			streamName, _ := target["streamName"].(string)
			if streamName == "" {
				return nil, apierrors.Misconfigured("missing_stream_name", "delivery-stream event target is missing streamName")
			}
			return &DeliveryStreamSink{Client: firehoseClient, StreamName: streamName}, nil
		default:
			return nil, apierrors.Misconfigured("unknown_event_target_type", "unrecognized event target type: "+targetType)
		}
	}
}
