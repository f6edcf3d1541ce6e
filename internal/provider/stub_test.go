package provider

import "context"

type stubProvider string

func (s stubProvider) Name() string { return string(s) }

func (s stubProvider) Submit(context.Context, Request) (*Response, error) {
	return &Response{Data: &Data{TaskID: "t"}}, nil
}

func (s stubProvider) Query(context.Context, string) (*Response, error) {
	return &Response{Data: &Data{TaskStatus: TaskProcessing}}, nil
}
