package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "medreminder.v1.MedicinesService"

// MedicinesServiceServer is the server API of the medicines service. Every
// message is a google.protobuf.Struct.
type MedicinesServiceServer interface {
	CreateMedicine(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	UpdateMedicine(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetMedicine(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	DeleteMedicine(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	DeleteAllMedicines(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListMedicines(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListDueDates(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListToday(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListCalendar(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	SetTaken(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Reconcile(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetProfile(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	SetProfile(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(MedicinesServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(MedicinesServiceServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var MedicinesServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MedicinesServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("CreateMedicine", MedicinesServiceServer.CreateMedicine),
		unaryMethod("UpdateMedicine", MedicinesServiceServer.UpdateMedicine),
		unaryMethod("GetMedicine", MedicinesServiceServer.GetMedicine),
		unaryMethod("DeleteMedicine", MedicinesServiceServer.DeleteMedicine),
		unaryMethod("DeleteAllMedicines", MedicinesServiceServer.DeleteAllMedicines),
		unaryMethod("ListMedicines", MedicinesServiceServer.ListMedicines),
		unaryMethod("ListDueDates", MedicinesServiceServer.ListDueDates),
		unaryMethod("ListToday", MedicinesServiceServer.ListToday),
		unaryMethod("ListCalendar", MedicinesServiceServer.ListCalendar),
		unaryMethod("SetTaken", MedicinesServiceServer.SetTaken),
		unaryMethod("Reconcile", MedicinesServiceServer.Reconcile),
		unaryMethod("GetProfile", MedicinesServiceServer.GetProfile),
		unaryMethod("SetProfile", MedicinesServiceServer.SetProfile),
	},
	Streams: []grpc.StreamDesc{},
}

func RegisterMedicinesServiceServer(s grpc.ServiceRegistrar, srv MedicinesServiceServer) {
	s.RegisterService(&MedicinesServiceDesc, srv)
}

// MedicinesClient calls the medicines service by method name.
type MedicinesClient struct {
	cc grpc.ClientConnInterface
}

func NewMedicinesClient(cc grpc.ClientConnInterface) *MedicinesClient {
	return &MedicinesClient{cc: cc}
}

func (c *MedicinesClient) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
