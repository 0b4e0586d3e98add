package summarize

const systemPrompt = `Você é um analista de licitações de empresas de saneamento. Responda em português, em Markdown, sem inventar dados: quando uma informação não constar do documento, escreva "Não especificado".`

const documentPrompt = `Analise o documento de licitação abaixo e extraia, cada um em sua própria seção:

1. Cidade/Município da licitação
2. Empresa/Órgão responsável
3. Objeto da licitação
4. Especificações técnicas dos produtos ou serviços, por lote quando houver
5. Valores estimados ou de referência
6. Data de abertura
7. Prazo para envio de propostas
8. Requisitos de participação
9. Critérios de julgamento

O Termo de Referência (geralmente um anexo no fim do edital) costuma trazer as tabelas de itens; procure-o.

Para o item 4, monte uma tabela no formato:

| ITEM | DESCRIÇÃO | QUANTIDADE | UND |
|------|-----------|------------|-----|

compilando os dados mesmo quando estiverem espalhados no texto, e liste apenas as características principais de cada item.
Para o item 5, mostre os valores por lote e termine com uma linha VALOR TOTAL GERAL somando todos os lotes.

Documento: %s

%s`

const consolidatePrompt = `Você recebeu análises separadas de documentos da mesma licitação (edital e anexos). Produza UMA análise consolidada:

- Comece com uma seção "Sumário" e mantenha depois as nove seções das análises individuais.
- Em caso de conflito, prefira a informação mais específica ou mais recente; se não for possível decidir, mostre ambas com a fonte.
- Una as tabelas de itens sem duplicar itens, preservando todas as quantidades, valores e especificações.
- Não repita informações.
- Use Markdown e tabelas para dados tabulares.

Análises:
%s`
