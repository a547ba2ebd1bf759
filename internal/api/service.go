// Package api serves the daemon's control surface over gRPC. Requests and replies
// are structpb.Struct values whose fields follow the json tags in wire.go.
package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"sync"
	"time"

	"github.com/campusline/chatsync/internal/bus"
	"github.com/campusline/chatsync/internal/chat"
	"github.com/campusline/chatsync/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.ChatSync"

// Chat is the facade surface exposed over the socket.
type Chat interface {
	Status() chat.Status
	LoadConversations(ctx context.Context) ([]model.Conversation, error)
	Conversations() ([]model.Conversation, error)
	LoadMessagesAndConnect(ctx context.Context, otherUserID string, page, limit int) ([]model.Message, error)
	CloseConversation(key string)
	Messages(key string) []model.Message
	SendMessage(ctx context.Context, receiverID, content string) (model.Message, error)
	RetryMessage(ctx context.Context, key, messageID string) (model.Message, error)
	SendImageMessage(ctx context.Context, receiverID, name string, data io.Reader, caption string) (model.Message, error)
	MarkAsRead(ctx context.Context, messageID, key string) error
	MarkConversationAsRead(ctx context.Context, key string) error
	SendTypingIndicator(receiverID string) error
	Logout() error
}

// ChatSyncServer is the handler type registered with ServiceDesc.
type ChatSyncServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	OpenConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CloseConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendImage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkConversationRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendTyping(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Logout(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStream) error
}

// Service implements ChatSyncServer on top of the chat facade.
type Service struct {
	profile   string
	startedAt time.Time
	chat      Chat
	bus       *bus.Bus
	logger    *zap.Logger
	closing   chan struct{}
	closeOnce sync.Once
}

// NewService creates the control service for profile.
func NewService(profile string, c Chat, b *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		profile:   profile,
		startedAt: time.Now(),
		chat:      c,
		bus:       b,
		logger:    logger.Named("api"),
		closing:   make(chan struct{}),
	}
}

// Close ends every WatchEvents stream so the server can drain.
func (s *Service) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// Register attaches s to srv.
func (s *Service) Register(srv grpc.ServiceRegistrar) {
	srv.RegisterService(&ServiceDesc, s)
}

func reply(v any) (*structpb.Struct, error) {
	out, err := toStruct(v)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return out, nil
}

func decode(in *structpb.Struct, v any) error {
	if err := fromStruct(in, v); err != nil {
		return grpcstatus.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	return nil
}

func empty() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{}}
}

func (s *Service) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st := s.chat.Status()
	active := st.ActiveConversations
	if active == nil {
		active = []string{}
	}
	return reply(StatusReply{
		Profile:             s.profile,
		State:               string(st.State),
		LastError:           st.LastError,
		UserID:              st.UserID,
		ActiveConversations: active,
		PendingSends:        st.PendingSends,
		UptimeMs:            time.Since(s.startedAt).Milliseconds(),
	})
}

func (s *Service) ListConversations(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req conversationsRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	var convs []model.Conversation
	var err error
	if req.Refresh {
		convs, err = s.chat.LoadConversations(ctx)
	} else {
		convs, err = s.chat.Conversations()
	}
	if err != nil {
		return nil, toStatus(err)
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	return reply(conversationsReply{Conversations: convs})
}

func (s *Service) OpenConversation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req openRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := required("userId", req.UserID); err != nil {
		return nil, err
	}
	msgs, err := s.chat.LoadMessagesAndConnect(ctx, req.UserID, req.Page, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(messagesReply{Messages: wireMessages(msgs)})
}

func (s *Service) CloseConversation(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req conversationRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := required("userId", req.UserID); err != nil {
		return nil, err
	}
	s.chat.CloseConversation(req.UserID)
	return empty(), nil
}

func (s *Service) ListMessages(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req conversationRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := required("userId", req.UserID); err != nil {
		return nil, err
	}
	return reply(messagesReply{Messages: wireMessages(s.chat.Messages(req.UserID))})
}

func (s *Service) SendMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req sendRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := required("receiverId", req.ReceiverID); err != nil {
		return nil, err
	}
	m, err := s.chat.SendMessage(ctx, req.ReceiverID, req.Content)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(messageReply{Message: wireMessage(m)})
}

func (s *Service) RetryMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req retryRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := required("messageId", req.MessageID); err != nil {
		return nil, err
	}
	m, err := s.chat.RetryMessage(ctx, req.UserID, req.MessageID)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(messageReply{Message: wireMessage(m)})
}

func (s *Service) SendImage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req sendImageRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := required("receiverId", req.ReceiverID); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil || len(data) == 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "data must be non-empty base64")
	}
	m, err := s.chat.SendImageMessage(ctx, req.ReceiverID, req.Name, bytes.NewReader(data), req.Caption)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(messageReply{Message: wireMessage(m)})
}

func (s *Service) MarkRead(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req markReadRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := required("messageId", req.MessageID); err != nil {
		return nil, err
	}
	if err := s.chat.MarkAsRead(ctx, req.MessageID, req.UserID); err != nil {
		return nil, toStatus(err)
	}
	return empty(), nil
}

func (s *Service) MarkConversationRead(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req conversationRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := required("userId", req.UserID); err != nil {
		return nil, err
	}
	if err := s.chat.MarkConversationAsRead(ctx, req.UserID); err != nil {
		return nil, toStatus(err)
	}
	return empty(), nil
}

func (s *Service) SendTyping(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req typingRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := required("receiverId", req.ReceiverID); err != nil {
		return nil, err
	}
	if err := s.chat.SendTypingIndicator(req.ReceiverID); err != nil {
		return nil, toStatus(err)
	}
	return empty(), nil
}

func (s *Service) Logout(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.chat.Logout(); err != nil {
		return nil, toStatus(err)
	}
	return empty(), nil
}

// WatchEvents streams bus events until the client goes away.
func (s *Service) WatchEvents(in *structpb.Struct, stream grpc.ServerStream) error {
	var req watchRequest
	if err := decode(in, &req); err != nil {
		return err
	}
	ch, unsub := s.bus.Subscribe(req.Prefix, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			out, err := toStruct(Event{
				ID:               uuid.NewString(),
				Kind:             evt.Kind,
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
				Payload:          eventPayload(evt.Payload),
			})
			if err != nil {
				s.logger.Warn("drop unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		case <-s.closing:
			return nil
		}
	}
}

// ServiceDesc describes ChatSyncServer for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStatus", ChatSyncServer.GetStatus),
		unary("ListConversations", ChatSyncServer.ListConversations),
		unary("OpenConversation", ChatSyncServer.OpenConversation),
		unary("CloseConversation", ChatSyncServer.CloseConversation),
		unary("ListMessages", ChatSyncServer.ListMessages),
		unary("SendMessage", ChatSyncServer.SendMessage),
		unary("RetryMessage", ChatSyncServer.RetryMessage),
		unary("SendImage", ChatSyncServer.SendImage),
		unary("MarkRead", ChatSyncServer.MarkRead),
		unary("MarkConversationRead", ChatSyncServer.MarkConversationRead),
		unary("SendTyping", ChatSyncServer.SendTyping),
		unary("Logout", ChatSyncServer.Logout),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "chatsync/v1/chatsync.proto",
}

type unaryMethod func(ChatSyncServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryMethod) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ChatSyncServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ChatSyncServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ChatSyncServer).WatchEvents(in, stream)
}
