// Copyright (c) AgentNet Authors.
// Licensed under the MIT License.

// Package catalog persists workflow definitions in a relational database
// through GORM. DefinitionRepository implements workflow.DefinitionStore:
// the engine writes every registered definition here and reloads them on
// startup.
package catalog
